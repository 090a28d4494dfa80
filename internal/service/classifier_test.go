package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gymagent/internal/model"
	"gymagent/pkg/circuitbreaker"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(_ context.Context, _ string, _ float64, _ int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestClassifier(llm *fakeLLM) *Classifier {
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig())
	return NewClassifier(llm, breaker, zap.NewNop(), 0.1, 1024)
}

func testMessage() *model.Message {
	return &model.Message{
		ID:         "msg-1",
		Subject:    "Class Confirmation: Boxing Fundamentals",
		From:       "gym@example.com",
		ReceivedAt: time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC),
		Body:       "You are confirmed for Boxing Fundamentals on 03/15/2024 at 6:15pm.",
	}
}

func TestClassifyParsesWellFormedResponse(t *testing.T) {
	llm := &fakeLLM{response: `{
		"email_type": "confirmation",
		"confidence": 0.92,
		"class_details": {"class_name": "Boxing Fundamentals", "date": "03/15/2024", "time": "6:15pm"},
		"action_required": "create_calendar",
		"reasoning": "explicit confirmation wording"
	}`}

	cls := newTestClassifier(llm).Classify(context.Background(), testMessage())

	assert.Equal(t, model.EmailTypeConfirmation, cls.EmailType)
	assert.InDelta(t, 0.92, cls.Confidence, 1e-9)
	assert.Equal(t, model.ActionCreateCalendar, cls.ActionRequired)
	require.NotNil(t, cls.ClassDetails)
	assert.Equal(t, "Boxing Fundamentals", cls.ClassDetails.ClassName)
	assert.Equal(t, "03/15/2024", cls.ClassDetails.Date)
}

func TestClassifyStripsCodeFence(t *testing.T) {
	llm := &fakeLLM{response: "```json\n{\"email_type\": \"waitlist\", \"confidence\": 0.8, \"action_required\": \"waitlist\"}\n```"}

	cls := newTestClassifier(llm).Classify(context.Background(), testMessage())

	assert.Equal(t, model.EmailTypeWaitlist, cls.EmailType)
	assert.InDelta(t, 0.8, cls.Confidence, 1e-9)
}

func TestClassifyCoercesOutOfEnumValues(t *testing.T) {
	llm := &fakeLLM{response: `{"email_type": "spam", "confidence": 1.7, "action_required": "explode"}`}

	cls := newTestClassifier(llm).Classify(context.Background(), testMessage())

	assert.Equal(t, model.EmailTypeOther, cls.EmailType)
	assert.Equal(t, model.ActionNone, cls.ActionRequired)
	assert.Equal(t, 1.0, cls.Confidence, "confidence must be clamped to [0,1]")
}

func TestClassifyNegativeConfidenceClamped(t *testing.T) {
	llm := &fakeLLM{response: `{"email_type": "other", "confidence": -0.3, "action_required": "none"}`}

	cls := newTestClassifier(llm).Classify(context.Background(), testMessage())
	assert.Equal(t, 0.0, cls.Confidence)
}

func TestClassifyFallsBackOnProviderError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("llm service 5xx: 503")}

	cls := newTestClassifier(llm).Classify(context.Background(), testMessage())

	assert.Equal(t, model.EmailTypeOther, cls.EmailType)
	assert.Equal(t, 0.0, cls.Confidence)
	assert.Equal(t, model.ActionNone, cls.ActionRequired)
	assert.Contains(t, cls.Reasoning, "classification call failed")
}

func TestClassifyFallsBackOnMalformedJSON(t *testing.T) {
	llm := &fakeLLM{response: "sorry, I cannot help with that"}

	cls := newTestClassifier(llm).Classify(context.Background(), testMessage())

	assert.Equal(t, model.EmailTypeOther, cls.EmailType)
	assert.Equal(t, 0.0, cls.Confidence)
	assert.Contains(t, cls.Reasoning, "malformed classification response")
}

func TestExtractClassDetails(t *testing.T) {
	llm := &fakeLLM{response: "```\n{\"class_name\": \"Sparring 101\", \"date\": \"2024-04-02\", \"time\": \"19:00\", \"duration_minutes\": 90}\n```"}

	details, err := newTestClassifier(llm).ExtractClassDetails(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "Sparring 101", details.ClassName)
	assert.Equal(t, 90, details.DurationMinutes)
}

func TestExtractClassDetailsSurfacesErrors(t *testing.T) {
	llm := &fakeLLM{err: errors.New("llm service error: 401")}

	_, err := newTestClassifier(llm).ExtractClassDetails(context.Background(), testMessage())
	assert.Error(t, err)
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare json", `{"a":1}`, `{"a":1}`},
		{"fenced with tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced without tag", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}\n", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripCodeFence(tc.in))
		})
	}
}
