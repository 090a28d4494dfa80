// Package calendar is the calendar collaborator boundary: list events in a
// window and insert a new event from a draft.
package calendar

import (
	"context"
	"time"

	"gymagent/internal/model"
)

// Calendar abstracts the calendar provider.
type Calendar interface {
	ListEvents(ctx context.Context, start, end time.Time) ([]model.ExistingEvent, error)
	Insert(ctx context.Context, draft *model.EventDraft) (string, error)
}
