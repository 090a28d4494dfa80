package model

import "time"

// Message is an immutable snapshot of one inbound mail item. It is created
// once per fetch and never mutated afterwards.
type Message struct {
	ID         string
	ThreadID   string
	Subject    string
	From       string
	To         string
	ReceivedAt time.Time
	Snippet    string
	Body       string
}

// EmailType is the closed set of categories the classifier may produce.
type EmailType string

const (
	EmailTypeRegistrationForm EmailType = "registration_form"
	EmailTypeConfirmation     EmailType = "confirmation"
	EmailTypeCancellation     EmailType = "cancellation"
	EmailTypeWaitlist         EmailType = "waitlist"
	EmailTypeOther            EmailType = "other"
)

// NormalizeEmailType coerces any out-of-enum value to EmailTypeOther.
// 上游 LLM 输出不可信，越界值一律归一到 other
func NormalizeEmailType(s string) EmailType {
	switch EmailType(s) {
	case EmailTypeRegistrationForm, EmailTypeConfirmation, EmailTypeCancellation, EmailTypeWaitlist, EmailTypeOther:
		return EmailType(s)
	default:
		return EmailTypeOther
	}
}

// ActionType is the closed set of actions the classifier may request.
type ActionType string

const (
	ActionRegister       ActionType = "register"
	ActionCreateCalendar ActionType = "create_calendar"
	ActionCancelEvent    ActionType = "cancel_event"
	ActionWaitlist       ActionType = "waitlist"
	ActionNone           ActionType = "none"
)

// NormalizeActionType coerces any out-of-enum value to ActionNone.
func NormalizeActionType(s string) ActionType {
	switch ActionType(s) {
	case ActionRegister, ActionCreateCalendar, ActionCancelEvent, ActionWaitlist, ActionNone:
		return ActionType(s)
	default:
		return ActionNone
	}
}

// ClassDetails is the sparse class/session record extracted from one
// message. Every field is optional; absence is expected, not an error.
type ClassDetails struct {
	ClassName       string
	Date            string // raw, unnormalized
	Time            string // raw, unnormalized
	Instructor      string
	Location        string
	ClassType       string
	Difficulty      string
	DurationMinutes int
	EquipmentNeeded []string
	Notes           string
}

// Empty reports whether the details carry nothing usable.
func (d *ClassDetails) Empty() bool {
	return d == nil || d.ClassName == ""
}

// Classification is the validated output of the classifier adapter for one
// Message. Confidence is always within [0,1] and the enum fields are always
// in-enum by the time this struct exists.
type Classification struct {
	EmailType       EmailType
	Confidence      float64
	ClassDetails    *ClassDetails
	ActionRequired  ActionType
	FormLinks       []string
	RegistrationURL string
	Reasoning       string
}

// FallbackClassification is what the classifier returns when the upstream
// call or its response cannot be used. The zero confidence makes the
// dispatcher discard it via the confidence gate.
func FallbackClassification(reason string) *Classification {
	return &Classification{
		EmailType:      EmailTypeOther,
		Confidence:     0.0,
		ActionRequired: ActionNone,
		Reasoning:      reason,
	}
}
