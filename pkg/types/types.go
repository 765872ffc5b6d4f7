package types

import "time"

// Outcome describes how a webhook exchange ended.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeError        Outcome = "error"
)

// ExchangeRecord is the history entry written for every webhook routed to a node.
type ExchangeRecord struct {
	ID       string        `json:"id"`
	NodeID   string        `json:"nodeId"`
	Method   string        `json:"method"`
	Path     string        `json:"path"`
	Status   int           `json:"status"`
	Outcome  Outcome       `json:"outcome"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}
