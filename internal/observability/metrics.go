package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Workflow collectors. Label values are fixed sets so cardinality stays bounded.
var (
	// SessionsStarted counts sessions created on qualifying joins.
	SessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatebot",
		Name:      "sessions_started_total",
		Help:      "Verification sessions created.",
	})

	// SessionsFinished counts sessions that left the workflow, by outcome
	// (verified, abandoned, expired, failed).
	SessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatebot",
		Name:      "sessions_finished_total",
		Help:      "Verification sessions that reached a terminal outcome.",
	}, []string{"outcome"})

	// CaptchaFailures counts provider or upload failures while issuing challenges.
	CaptchaFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatebot",
		Name:      "captcha_failures_total",
		Help:      "Failed attempts to issue a captcha challenge.",
	})

	// WrongAnswers counts mismatching captcha submissions.
	WrongAnswers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatebot",
		Name:      "captcha_wrong_answers_total",
		Help:      "Captcha answers that did not match the solution.",
	})

	// Redactions counts gate redactions by result (ok, error, forbidden).
	Redactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatebot",
		Name:      "redactions_total",
		Help:      "Messages from unverified members handled by the gate.",
	}, []string{"result"})

	// EventsHandled observes per-event handler latency by event type and result.
	EventsHandled = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatebot",
		Name:      "event_handle_seconds",
		Help:      "Time spent handling one sync event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type", "result"})

	// DuplicateEvents counts redelivered events skipped by the ledger.
	DuplicateEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gatebot",
		Name:      "events_duplicate_total",
		Help:      "Sync events skipped because they were already processed.",
	})
)

// Outcome label values for SessionsFinished.
const (
	OutcomeVerified  = "verified"
	OutcomeAbandoned = "abandoned"
	OutcomeExpired   = "expired"
	OutcomeFailed    = "failed"
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsFinished,
		CaptchaFailures,
		WrongAnswers,
		Redactions,
		EventsHandled,
		DuplicateEvents,
	)
}
