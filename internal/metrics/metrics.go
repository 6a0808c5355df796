package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the game counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Draws          prometheus.Counter
	QuestionRounds *prometheus.CounterVec
	Claims         *prometheus.CounterVec
	Marks          *prometheus.CounterVec
	Grants         *prometheus.CounterVec
	Answers        *prometheus.CounterVec
	Winners        prometheus.Counter
	Resets         prometheus.Counter
}

// New registers the collectors on a fresh registry under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Draws: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draws_total",
			Help:      "Numbers drawn",
		}),
		QuestionRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "question_rounds_total",
			Help:      "Question rounds by outcome (asked, skipped)",
		}, []string{"outcome"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_claims_total",
			Help:      "Card claim attempts by result",
		}, []string{"result"}),
		Marks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cell_marks_total",
			Help:      "Cell mark attempts by result",
		}, []string{"result"}),
		Grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "free_cell_grants_total",
			Help:      "Free cell rewards by result (granted, none, failed)",
		}, []string{"result"}),
		Answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Recorded answers by correctness",
		}, []string{"correct"}),
		Winners: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "winners_total",
			Help:      "Winner records created",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Completed game resets",
		}),
	}

	m.registry.MustRegister(
		m.Draws,
		m.QuestionRounds,
		m.Claims,
		m.Marks,
		m.Grants,
		m.Answers,
		m.Winners,
		m.Resets,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncDraws() {
	if m != nil {
		m.Draws.Inc()
	}
}

func (m *Metrics) IncQuestionRound(outcome string) {
	if m != nil {
		m.QuestionRounds.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncClaim(result string) {
	if m != nil {
		m.Claims.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncMark(result string) {
	if m != nil {
		m.Marks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncGrant(result string) {
	if m != nil {
		m.Grants.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncAnswer(correct bool) {
	if m == nil {
		return
	}
	label := "false"
	if correct {
		label = "true"
	}
	m.Answers.WithLabelValues(label).Inc()
}

func (m *Metrics) IncWinners() {
	if m != nil {
		m.Winners.Inc()
	}
}

func (m *Metrics) IncResets() {
	if m != nil {
		m.Resets.Inc()
	}
}
