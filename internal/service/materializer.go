package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gymagent/internal/calendar"
	"gymagent/internal/model"
	"gymagent/internal/timeparse"
	"gymagent/pkg/metrics"
)

const defaultClassName = "Boxing Class"

// dedup window around the candidate start time
const duplicateWindow = 2 * time.Hour

// MaterializerConfig carries the policy knobs for event creation.
type MaterializerConfig struct {
	GymName              string
	AttendeeEmail        string
	EventDurationMinutes int
	DefaultEventHour     int
	EnableCalendarCreate bool
}

// Materializer turns a classified message into at most one calendar entry.
// Drafts are rebuilt per attempt and never stored.
type Materializer struct {
	cal    calendar.Calendar
	logger *zap.Logger
	cfg    MaterializerConfig

	// injectable clock for tests
	now func() time.Time
}

func NewMaterializer(cal calendar.Calendar, logger *zap.Logger, cfg MaterializerConfig) *Materializer {
	if cfg.EventDurationMinutes <= 0 {
		cfg.EventDurationMinutes = 60
	}
	if cfg.DefaultEventHour <= 0 {
		cfg.DefaultEventHour = 18
	}
	return &Materializer{
		cal:    cal,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Materialize builds the event draft for msg and inserts it unless creation
// is disabled or a likely duplicate already exists. A failed duplicate query
// fails open: creation proceeds.
func (m *Materializer) Materialize(ctx context.Context, msg *model.Message, details *model.ClassDetails) (model.MaterializeOutcome, string, error) {
	if !m.cfg.EnableCalendarCreate {
		metrics.RecordCalendarOp("skipped_disabled")
		return model.MaterializeSkippedDisabled, "", nil
	}

	draft := m.BuildDraft(msg, details)

	if dup := m.findDuplicate(ctx, draft); dup != "" {
		m.logger.Info("duplicate event found, skipping creation",
			zap.String("message_id", msg.ID),
			zap.String("existing_event_id", dup))
		metrics.RecordCalendarOp("skipped_duplicate")
		return model.MaterializeSkippedDuplicate, dup, nil
	}

	eventID, err := m.cal.Insert(ctx, draft)
	if err != nil {
		metrics.RecordCalendarOp("failed")
		return "", "", fmt.Errorf("creating calendar event: %w", err)
	}

	m.logger.Info("calendar event created",
		zap.String("message_id", msg.ID),
		zap.String("event_id", eventID),
		zap.Time("start", draft.Start))
	metrics.RecordCalendarOp("created")
	return model.MaterializeCreated, eventID, nil
}

// BuildDraft assembles the ephemeral event draft from the message and its
// extracted details. It is deterministic for a given (msg, details, now).
func (m *Materializer) BuildDraft(msg *model.Message, details *model.ClassDetails) *model.EventDraft {
	now := m.now()

	var dateText, timeText string
	if details != nil {
		dateText = details.Date
		timeText = details.Time
	}

	resolved := timeparse.Resolve(dateText, timeText, now.Year(), m.cfg.DefaultEventHour, now)
	if resolved.Fallback {
		m.logger.Warn("date/time fell back to default slot",
			zap.String("message_id", msg.ID),
			zap.String("reason", resolved.Reason))
	}

	duration := time.Duration(m.cfg.EventDurationMinutes) * time.Minute
	if details != nil && details.DurationMinutes > 0 {
		duration = time.Duration(details.DurationMinutes) * time.Minute
	}

	className := defaultClassName
	if details != nil && details.ClassName != "" {
		className = details.ClassName
	}

	draft := &model.EventDraft{
		Summary:     fmt.Sprintf("%s - %s", className, m.cfg.GymName),
		Description: buildDescription(msg, details),
		Start:       resolved.At,
		End:         resolved.At.Add(duration),
		Reminders: []model.ReminderOverride{
			{Method: "email", Minutes: 24 * 60},
			{Method: "popup", Minutes: 30},
		},
	}
	if details != nil {
		draft.Location = details.Location
	}
	if m.cfg.AttendeeEmail != "" {
		draft.Attendees = []string{m.cfg.AttendeeEmail}
	}
	return draft
}

// buildDescription renders the event body. The Email ID line is the only
// backlink from the calendar entry to the originating message.
func buildDescription(msg *model.Message, details *model.ClassDetails) string {
	var lines []string
	if details != nil {
		if details.Instructor != "" {
			lines = append(lines, "Instructor: "+details.Instructor)
		}
		if details.ClassType != "" {
			lines = append(lines, "Class type: "+details.ClassType)
		}
		if details.Difficulty != "" {
			lines = append(lines, "Difficulty: "+details.Difficulty)
		}
		if len(details.EquipmentNeeded) > 0 {
			lines = append(lines, "Equipment: "+strings.Join(details.EquipmentNeeded, ", "))
		}
		if details.Notes != "" {
			lines = append(lines, "Notes: "+details.Notes)
		}
	}
	lines = append(lines, "", "Email ID: "+msg.ID)
	return strings.Join(lines, "\n")
}

// findDuplicate returns the id of an existing event that matches the draft's
// title prefix inside the dedup window, or "". Query errors fail open.
func (m *Materializer) findDuplicate(ctx context.Context, draft *model.EventDraft) string {
	existing, err := m.cal.ListEvents(ctx, draft.Start.Add(-duplicateWindow), draft.Start.Add(duplicateWindow))
	if err != nil {
		// 查询失败宁可重复，也不能丢事件
		m.logger.Warn("duplicate check failed, proceeding with creation", zap.Error(err))
		return ""
	}

	prefix := draft.TitlePrefix()
	for _, ev := range existing {
		if model.TitlePrefixOf(ev.Summary) == prefix {
			return ev.ID
		}
	}
	return ""
}
