package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gymagent/internal/model"
)

type fakeCalendar struct {
	events    []model.ExistingEvent
	listErr   error
	insertErr error
	inserted  []*model.EventDraft
}

func (f *fakeCalendar) ListEvents(_ context.Context, start, end time.Time) ([]model.ExistingEvent, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	events := append([]model.ExistingEvent{}, f.events...)
	// inserted drafts show up in later window queries, like a real provider
	for i, d := range f.inserted {
		if d.Start.Before(end) && d.End.After(start) {
			events = append(events, model.ExistingEvent{
				ID:      fmt.Sprintf("evt-%d", i+1),
				Summary: d.Summary,
				Start:   d.Start,
				End:     d.End,
			})
		}
	}
	return events, nil
}

func (f *fakeCalendar) Insert(_ context.Context, draft *model.EventDraft) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, draft)
	return fmt.Sprintf("evt-%d", len(f.inserted)), nil
}

func newTestMaterializer(cal *fakeCalendar, enabled bool) *Materializer {
	m := NewMaterializer(cal, zap.NewNop(), MaterializerConfig{
		GymName:              "Iron Fist Boxing",
		AttendeeEmail:        "me@example.com",
		EventDurationMinutes: 60,
		DefaultEventHour:     18,
		EnableCalendarCreate: enabled,
	})
	m.now = func() time.Time {
		return time.Date(2024, time.March, 10, 9, 0, 0, 0, time.Local)
	}
	return m
}

func confirmationDetails() *model.ClassDetails {
	return &model.ClassDetails{
		ClassName:  "Boxing Fundamentals",
		Date:       "03/15/2024",
		Time:       "6:15pm",
		Instructor: "Coach Lee",
		Location:   "Main Gym",
	}
}

func TestMaterializeCreatesEvent(t *testing.T) {
	cal := &fakeCalendar{}
	m := newTestMaterializer(cal, true)

	outcome, eventID, err := m.Materialize(context.Background(), testMessage(), confirmationDetails())
	require.NoError(t, err)
	assert.Equal(t, model.MaterializeCreated, outcome)
	assert.Equal(t, "evt-1", eventID)

	require.Len(t, cal.inserted, 1)
	draft := cal.inserted[0]
	assert.Equal(t, "Boxing Fundamentals - Iron Fist Boxing", draft.Summary)
	assert.Equal(t, time.Date(2024, time.March, 15, 18, 15, 0, 0, time.Local), draft.Start)
	assert.Equal(t, draft.Start.Add(time.Hour), draft.End)
	assert.Equal(t, "Main Gym", draft.Location)
	assert.Equal(t, []string{"me@example.com"}, draft.Attendees)
	assert.Contains(t, draft.Description, "Email ID: msg-1")
	assert.Contains(t, draft.Description, "Instructor: Coach Lee")
	require.Len(t, draft.Reminders, 2)
	assert.Equal(t, model.ReminderOverride{Method: "email", Minutes: 1440}, draft.Reminders[0])
	assert.Equal(t, model.ReminderOverride{Method: "popup", Minutes: 30}, draft.Reminders[1])
}

func TestMaterializeSkipsWhenDisabled(t *testing.T) {
	cal := &fakeCalendar{}
	m := newTestMaterializer(cal, false)

	outcome, eventID, err := m.Materialize(context.Background(), testMessage(), confirmationDetails())
	require.NoError(t, err)
	assert.Equal(t, model.MaterializeSkippedDisabled, outcome)
	assert.Empty(t, eventID)
	assert.Empty(t, cal.inserted)
}

// An existing event with the same title prefix inside the window suppresses
// creation.
func TestMaterializeSkipsDuplicate(t *testing.T) {
	start := time.Date(2024, time.March, 15, 18, 0, 0, 0, time.Local)
	cal := &fakeCalendar{events: []model.ExistingEvent{
		{ID: "evt-existing", Summary: "Boxing Fundamentals - Iron Fist Boxing", Start: start, End: start.Add(time.Hour)},
	}}
	m := newTestMaterializer(cal, true)

	outcome, eventID, err := m.Materialize(context.Background(), testMessage(), confirmationDetails())
	require.NoError(t, err)
	assert.Equal(t, model.MaterializeSkippedDuplicate, outcome)
	assert.Equal(t, "evt-existing", eventID)
	assert.Empty(t, cal.inserted)
}

// Materializing the same details twice creates once and then suppresses the
// second attempt via the window query.
func TestMaterializeTwiceSkipsSecondCreate(t *testing.T) {
	cal := &fakeCalendar{}
	m := newTestMaterializer(cal, true)

	outcome, eventID, err := m.Materialize(context.Background(), testMessage(), confirmationDetails())
	require.NoError(t, err)
	require.Equal(t, model.MaterializeCreated, outcome)
	require.Equal(t, "evt-1", eventID)

	outcome, eventID, err = m.Materialize(context.Background(), testMessage(), confirmationDetails())
	require.NoError(t, err)
	assert.Equal(t, model.MaterializeSkippedDuplicate, outcome)
	assert.Equal(t, "evt-1", eventID)
	assert.Len(t, cal.inserted, 1)
}

func TestMaterializeDuplicateCheckFailsOpen(t *testing.T) {
	cal := &fakeCalendar{listErr: errors.New("calendar service 5xx: 503")}
	m := newTestMaterializer(cal, true)

	outcome, _, err := m.Materialize(context.Background(), testMessage(), confirmationDetails())
	require.NoError(t, err)
	assert.Equal(t, model.MaterializeCreated, outcome)
	assert.Len(t, cal.inserted, 1)
}

func TestMaterializeInsertErrorSurfaces(t *testing.T) {
	cal := &fakeCalendar{insertErr: errors.New("calendar service error: 403")}
	m := newTestMaterializer(cal, true)

	_, _, err := m.Materialize(context.Background(), testMessage(), confirmationDetails())
	assert.Error(t, err)
}

func TestBuildDraftDefaults(t *testing.T) {
	m := newTestMaterializer(&fakeCalendar{}, true)

	// no details at all: default class name, today's date, default hour
	draft := m.BuildDraft(testMessage(), nil)
	assert.Equal(t, "Boxing Class - Iron Fist Boxing", draft.Summary)
	assert.Equal(t, time.Date(2024, time.March, 10, 18, 0, 0, 0, time.Local), draft.Start)
	assert.Equal(t, draft.Start.Add(time.Hour), draft.End)
}

func TestBuildDraftUsesDetailDuration(t *testing.T) {
	m := newTestMaterializer(&fakeCalendar{}, true)

	details := confirmationDetails()
	details.DurationMinutes = 90
	draft := m.BuildDraft(testMessage(), details)
	assert.Equal(t, draft.Start.Add(90*time.Minute), draft.End)
}
