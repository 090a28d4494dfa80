package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gymagent/internal/llm"
	"gymagent/internal/model"
	"gymagent/pkg/circuitbreaker"
	"gymagent/pkg/metrics"
)

const bodyExcerptLimit = 2000

// Classifier turns one message into a validated Classification through the
// text-generation provider. It never returns an error: any upstream or
// parse failure degrades to the zero-confidence fallback so the pipeline
// keeps moving.
type Classifier struct {
	llm         llm.Client
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.Logger
	temperature float64
	maxTokens   int
}

func NewClassifier(client llm.Client, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger, temperature float64, maxTokens int) *Classifier {
	if temperature <= 0 {
		temperature = 0.1
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Classifier{
		llm:         client,
		breaker:     breaker,
		logger:      logger,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// classificationWire is the raw JSON shape the provider is asked to emit.
// Everything in it is untrusted until normalized.
type classDetailsWire struct {
	ClassName       string   `json:"class_name"`
	Date            string   `json:"date"`
	Time            string   `json:"time"`
	Instructor      string   `json:"instructor"`
	Location        string   `json:"location"`
	ClassType       string   `json:"class_type"`
	Difficulty      string   `json:"difficulty"`
	DurationMinutes int      `json:"duration_minutes"`
	EquipmentNeeded []string `json:"equipment_needed"`
	Notes           string   `json:"notes"`
}

type classificationWire struct {
	EmailType       string            `json:"email_type"`
	Confidence      float64           `json:"confidence"`
	ClassDetails    *classDetailsWire `json:"class_details"`
	ActionRequired  string            `json:"action_required"`
	FormLinks       []string          `json:"form_links"`
	RegistrationURL string            `json:"registration_url"`
	Reasoning       string            `json:"reasoning"`
}

// Classify analyzes one message. The returned Classification always has
// in-enum category/action values and confidence within [0,1].
func (c *Classifier) Classify(ctx context.Context, msg *model.Message) *model.Classification {
	prompt := buildClassifyPrompt(msg)

	start := time.Now()
	var completion string
	err := c.breaker.Execute(func() error {
		var callErr error
		completion, callErr = c.llm.Complete(ctx, prompt, c.temperature, c.maxTokens)
		return callErr
	})
	if err != nil {
		metrics.RecordClassifyLatency("error", time.Since(start))
		c.logger.Warn("classification call failed, using fallback",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return model.FallbackClassification(fmt.Sprintf("classification call failed: %v", err))
	}
	metrics.RecordClassifyLatency("ok", time.Since(start))

	var wire classificationWire
	if err := json.Unmarshal([]byte(stripCodeFence(completion)), &wire); err != nil {
		c.logger.Warn("classification response is not valid JSON, using fallback",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return model.FallbackClassification(fmt.Sprintf("malformed classification response: %v", err))
	}

	return normalizeWire(&wire)
}

// normalizeWire converts the untrusted wire shape into the validated domain
// Classification.
func normalizeWire(wire *classificationWire) *model.Classification {
	out := &model.Classification{
		EmailType:       model.NormalizeEmailType(wire.EmailType),
		Confidence:      clampConfidence(wire.Confidence),
		ActionRequired:  model.NormalizeActionType(wire.ActionRequired),
		FormLinks:       wire.FormLinks,
		RegistrationURL: wire.RegistrationURL,
		Reasoning:       wire.Reasoning,
	}
	if wire.ClassDetails != nil {
		out.ClassDetails = detailsFromWire(wire.ClassDetails)
	}
	return out
}

func detailsFromWire(w *classDetailsWire) *model.ClassDetails {
	return &model.ClassDetails{
		ClassName:       w.ClassName,
		Date:            w.Date,
		Time:            w.Time,
		Instructor:      w.Instructor,
		Location:        w.Location,
		ClassType:       w.ClassType,
		Difficulty:      w.Difficulty,
		DurationMinutes: w.DurationMinutes,
		EquipmentNeeded: w.EquipmentNeeded,
		Notes:           w.Notes,
	}
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func buildClassifyPrompt(msg *model.Message) string {
	var b strings.Builder
	b.WriteString("Analyze this email from a boxing gym and classify it.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "Date: %s\n", msg.ReceivedAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Snippet: %s\n", msg.Snippet)
	fmt.Fprintf(&b, "Body:\n%s\n\n", truncate(msg.Body, bodyExcerptLimit))
	b.WriteString(`Classify the email into exactly one of these categories:
- "registration_form": contains a registration or sign-up form for a class
- "confirmation": confirms a booked class or registration
- "cancellation": announces a cancelled class or booking
- "waitlist": waitlist notification for a full class
- "other": anything else

Respond ONLY with valid JSON in this exact shape:
{
  "email_type": "registration_form|confirmation|cancellation|waitlist|other",
  "confidence": 0.0,
  "class_details": {
    "class_name": "",
    "date": "",
    "time": "",
    "instructor": "",
    "location": "",
    "class_type": "",
    "difficulty": "",
    "duration_minutes": 0,
    "equipment_needed": [],
    "notes": ""
  },
  "action_required": "register|create_calendar|cancel_event|waitlist|none",
  "form_links": [],
  "registration_url": "",
  "reasoning": ""
}

Leave class_details fields empty when the email does not state them. Do not
invent values. confidence is your certainty about email_type, between 0 and 1.`)
	return b.String()
}

// ExtractClassDetails runs one targeted extraction pass over the message,
// used when a confirmation arrives without usable class details in the first
// classification. Unlike Classify, this surfaces errors: the caller decides
// whether missing details are acceptable.
func (c *Classifier) ExtractClassDetails(ctx context.Context, msg *model.Message) (*model.ClassDetails, error) {
	prompt := buildExtractPrompt(msg)

	var completion string
	err := c.breaker.Execute(func() error {
		var callErr error
		completion, callErr = c.llm.Complete(ctx, prompt, c.temperature, c.maxTokens)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("extracting class details: %w", err)
	}

	var wire classDetailsWire
	if err := json.Unmarshal([]byte(stripCodeFence(completion)), &wire); err != nil {
		return nil, fmt.Errorf("malformed extraction response: %w", err)
	}
	return detailsFromWire(&wire), nil
}

func buildExtractPrompt(msg *model.Message) string {
	var b strings.Builder
	b.WriteString("Extract the class/session details from this email. It confirms a gym class booking, often via a Google Forms response receipt.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Body:\n%s\n\n", truncate(msg.Body, bodyExcerptLimit))
	b.WriteString(`Respond ONLY with valid JSON in this exact shape:
{
  "class_name": "",
  "date": "",
  "time": "",
  "instructor": "",
  "location": "",
  "class_type": "",
  "difficulty": "",
  "duration_minutes": 0,
  "equipment_needed": [],
  "notes": ""
}

Leave fields empty when the email does not state them. Do not invent values.`)
	return b.String()
}

// stripCodeFence removes a surrounding markdown code fence, with or without
// a language tag. Providers wrap JSON this way despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 && !strings.HasPrefix(s, "{") {
		// drop the language tag line ("json")
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
