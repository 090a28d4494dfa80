// Package ledger tracks which message identifiers have completed the
// pipeline. The set of recorded identifiers is the sole idempotency barrier:
// an id in the ledger never re-enters the dispatcher.
package ledger

import (
	"context"
	"time"
)

// Outcome tags how a message's lifecycle ended.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeFailed        Outcome = "failed"
)

// Record is one append-only ledger entry.
type Record struct {
	MessageID  string    `json:"message_id"`
	Outcome    Outcome   `json:"outcome"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ledger is the processed-set contract. Claim must be atomic with respect to
// concurrent workers: of N simultaneous Claim calls for the same id exactly
// one returns true.
type Ledger interface {
	// Seen reports whether the id is claimed or recorded.
	Seen(ctx context.Context, messageID string) (bool, error)
	// Claim atomically marks the id as in-flight. False means another worker
	// already holds it or it is already recorded.
	Claim(ctx context.Context, messageID string) (bool, error)
	// Record appends the terminal outcome for a claimed id.
	Record(ctx context.Context, messageID string, outcome Outcome) error
	// Release drops an unrecorded claim so a redelivery can retry the id.
	Release(ctx context.Context, messageID string) error
	// Get returns the terminal record for an id, if any.
	Get(ctx context.Context, messageID string) (*Record, error)
	// List returns all terminal records.
	List(ctx context.Context) ([]Record, error)
	// Forget removes a terminal record; used by explicit manual reprocessing
	// of failed messages only.
	Forget(ctx context.Context, messageID string) error
}
