package state

import (
	"context"
	"errors"
	"time"
)

// Opportunity is the persisted form of a passing edge evaluation.
type Opportunity struct {
	CreatedAt  time.Time
	Asset      string
	Direction  string
	SpotPrice  float64
	PerpPrice  float64
	Notional   float64
	SpreadRate float64
	EdgeBps    float64
	FeeSpot    float64
	FeePerp    float64
	Slippage   float64
	Funding    float64
	NetPNL     float64
	Threshold  float64
}

// DecisionSnapshot is the raw market and freshness state captured by the
// validation sampler at one instant.
type DecisionSnapshot struct {
	SampledAt time.Time
	Asset     string
	SpotBid   float64
	SpotAsk   float64
	PerpBid   float64
	PerpAsk   float64
	MarkPrice float64
	SpotAgeMS float64
	PerpAgeMS float64
	SpotStale bool
	PerpStale bool
	OutOfSync bool
	UsedProxy bool
}

// DecisionOutcome is the gate verdict paired with a DecisionSnapshot.
type DecisionOutcome struct {
	SampledAt  time.Time
	Asset      string
	WouldTrade bool
	Reason     string
	Direction  string
	EdgeBps    float64
	NetPNL     float64
}

// MakerProbe pairs a quote observation with the quotes seen after a measured
// delay. Inserted open with nil next-side prices and DelayMS=-1, then updated
// once when a qualifying later observation arrives.
type MakerProbe struct {
	ID          int64
	CreatedAt   time.Time
	Asset       string
	Side        string
	Price       float64
	BidAtInsert float64
	AskAtInsert float64
	NextBid     *float64
	NextAsk     *float64
	DelayMS     float64
	PairedAt    *time.Time
}

// Run is one process lifetime recorded for later row attribution.
type Run struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Assets    string
	Note      string
}

// Sink is the narrow persistence interface the core writes through. Any
// durable store satisfying these operations is sufficient.
type Sink interface {
	InsertOpportunity(ctx context.Context, opp Opportunity) error
	InsertValidationBatch(ctx context.Context, snaps []DecisionSnapshot, outcomes []DecisionOutcome) error
	UpsertMakerProbe(ctx context.Context, probe *MakerProbe) error
	Close() error
}

// RunRecorder is implemented by sinks that can attribute rows to a run.
type RunRecorder interface {
	StartRun(ctx context.Context, run Run) error
	EndRun(ctx context.Context, id string, endedAt time.Time) error
}

// Fanout writes every record to each sink and joins their errors. The first
// sink is authoritative for maker probe IDs.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	out := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return &Fanout{sinks: out}
}

func (f *Fanout) InsertOpportunity(ctx context.Context, opp Opportunity) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.InsertOpportunity(ctx, opp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) InsertValidationBatch(ctx context.Context, snaps []DecisionSnapshot, outcomes []DecisionOutcome) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.InsertValidationBatch(ctx, snaps, outcomes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) UpsertMakerProbe(ctx context.Context, probe *MakerProbe) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.UpsertMakerProbe(ctx, probe); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) StartRun(ctx context.Context, run Run) error {
	var errs []error
	for _, sink := range f.sinks {
		if recorder, ok := sink.(RunRecorder); ok {
			if err := recorder.StartRun(ctx, run); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) EndRun(ctx context.Context, id string, endedAt time.Time) error {
	var errs []error
	for _, sink := range f.sinks {
		if recorder, ok := sink.(RunRecorder); ok {
			if err := recorder.EndRun(ctx, id, endedAt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
