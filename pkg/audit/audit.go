// Package audit records every identity transition in the delegation chain so
// a full per-request trail can be reconstructed by correlation id. Records
// are append-only and recording is best-effort: an audit failure is logged
// but never fails the request being audited.
package audit

import (
	"context"
	"time"
)

// Stage names the state-machine transition being recorded.
type Stage string

const (
	StageReceived           Stage = "received"
	StageValidated          Stage = "validated"
	StageDelegated          Stage = "delegated"
	StageRoleResolved       Stage = "role_resolved"
	StageCredentialBrokered Stage = "credential_brokered"
	StageAccessCompleted    Stage = "access_completed"
)

// Outcome marks whether a stage succeeded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record is one append-only audit entry. Never mutated after write.
type Record struct {
	CorrelationID string    `json:"correlation_id"`
	Stage         Stage     `json:"stage"`
	Subject       string    `json:"subject,omitempty"`
	Role          string    `json:"role,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink accepts audit records. Implementations must not fail the caller.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

type ctxKey struct{}

// WithCorrelationID attaches the request's correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationFrom extracts the correlation id from the context, if any.
func CorrelationFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
