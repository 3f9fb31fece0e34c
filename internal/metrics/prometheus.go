package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_paper_arb"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	wsMessages        prometheus.Counter
	duplicates        prometheus.Counter
	subscribeAcks     prometheus.Counter
	reconnects        prometheus.Counter
	idleTimeouts      prometheus.Counter
	decisionsPassed   prometheus.Counter
	decisionsRejected prometheus.Counter
	opportunities     prometheus.Counter
	validationRows    prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	wsMessages := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ws_messages_total",
		Help:      "Total number of streaming messages received.",
	})
	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ws_duplicates_total",
		Help:      "Total number of duplicate streaming messages detected.",
	})
	subscribeAcks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "subscribe_acks_total",
		Help:      "Total number of subscription acknowledgements received.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ws_reconnects_total",
		Help:      "Total number of streaming reconnect attempts.",
	})
	idleTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ws_idle_timeouts_total",
		Help:      "Total number of connections recycled by the idle watchdog.",
	})
	decisionsPassed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "decisions_passed_total",
		Help:      "Total number of evaluations that passed every gate.",
	})
	decisionsRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "decisions_rejected_total",
		Help:      "Total number of evaluations rejected by a gate.",
	})
	opportunities := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "opportunities_persisted_total",
		Help:      "Total number of opportunity rows written to storage.",
	})
	validationRows := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "validation_rows_flushed_total",
		Help:      "Total number of validation snapshot rows flushed to storage.",
	})

	registry.MustRegister(wsMessages, duplicates, subscribeAcks, reconnects, idleTimeouts,
		decisionsPassed, decisionsRejected, opportunities, validationRows)

	m := &Metrics{
		WSMessages:             promCounter{wsMessages},
		Duplicates:             promCounter{duplicates},
		SubscribeAcks:          promCounter{subscribeAcks},
		Reconnects:             promCounter{reconnects},
		IdleTimeouts:           promCounter{idleTimeouts},
		DecisionsPassed:        promCounter{decisionsPassed},
		DecisionsRejected:      promCounter{decisionsRejected},
		OpportunitiesPersisted: promCounter{opportunities},
		ValidationRowsFlushed:  promCounter{validationRows},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		wsMessages:        wsMessages,
		duplicates:        duplicates,
		subscribeAcks:     subscribeAcks,
		reconnects:        reconnects,
		idleTimeouts:      idleTimeouts,
		decisionsPassed:   decisionsPassed,
		decisionsRejected: decisionsRejected,
		opportunities:     opportunities,
		validationRows:    validationRows,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
