package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	WSMessages             Counter
	Duplicates             Counter
	SubscribeAcks          Counter
	Reconnects             Counter
	IdleTimeouts           Counter
	DecisionsPassed        Counter
	DecisionsRejected      Counter
	OpportunitiesPersisted Counter
	ValidationRowsFlushed  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		WSMessages:             n,
		Duplicates:             n,
		SubscribeAcks:          n,
		Reconnects:             n,
		IdleTimeouts:           n,
		DecisionsPassed:        n,
		DecisionsRejected:      n,
		OpportunitiesPersisted: n,
		ValidationRowsFlushed:  n,
	}
}
