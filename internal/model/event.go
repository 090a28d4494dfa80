package model

import "time"

// ReminderOverride mirrors one calendar reminder entry.
type ReminderOverride struct {
	Method  string
	Minutes int
}

// EventDraft is the ephemeral calendar-entry representation built per
// materialization attempt. The originating message id is embedded in the
// description because the calendar provider has no cross-system foreign key.
type EventDraft struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Location    string
	Attendees   []string
	Reminders   []ReminderOverride
}

// TitlePrefix returns the leading segment of the summary (text before the
// first " - " separator). It is the dedup surrogate key: the provider has no
// native idempotency key, so title prefix + time window is the best match
// we have.
func (d *EventDraft) TitlePrefix() string {
	return TitlePrefixOf(d.Summary)
}

// TitlePrefixOf extracts the leading segment of any event summary.
func TitlePrefixOf(summary string) string {
	for i := 0; i+3 <= len(summary); i++ {
		if summary[i:i+3] == " - " {
			return summary[:i]
		}
	}
	return summary
}

// ExistingEvent is the summary view of a calendar entry returned by the
// window query used for duplicate detection.
type ExistingEvent struct {
	ID      string
	Summary string
	Start   time.Time
	End     time.Time
}

// MaterializeOutcome is the result of one materialization attempt.
type MaterializeOutcome string

const (
	MaterializeCreated          MaterializeOutcome = "created"
	MaterializeSkippedDuplicate MaterializeOutcome = "skipped_duplicate"
	MaterializeSkippedDisabled  MaterializeOutcome = "skipped_disabled"
)
