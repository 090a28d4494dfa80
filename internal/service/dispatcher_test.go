package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gymagent/internal/ledger"
	"gymagent/internal/model"
)

type fakeMailbox struct {
	messages map[string]*model.Message
	fetchErr error
	marked   []string
	markErr  error
}

func (f *fakeMailbox) Search(_ context.Context, _ string, _ int) ([]string, error) {
	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeMailbox) Fetch(_ context.Context, id string) (*model.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, errors.New("message not found")
	}
	return msg, nil
}

func (f *fakeMailbox) MarkRead(_ context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

// scriptedLLM returns one canned response per call, in order.
type scriptedLLM struct {
	responses []string
	errs      []error
	calls     int
}

func (s *scriptedLLM) Complete(_ context.Context, _ string, _ float64, _ int) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", errors.New("no scripted response left")
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	mailbox    *fakeMailbox
	calendar   *fakeCalendar
	llm        *scriptedLLM
	ledger     ledger.Ledger
}

func newDispatcherFixture(t *testing.T, llm *scriptedLLM) *dispatcherFixture {
	t.Helper()

	mailbox := &fakeMailbox{messages: map[string]*model.Message{
		"msg-1": testMessage(),
	}}
	cal := &fakeCalendar{}
	led := ledger.NewMemoryLedger()

	classifier := newTestClassifierWith(llm)
	materializer := newTestMaterializer(cal, true)

	d := NewDispatcher(classifier, materializer, mailbox, led, zap.NewNop(), DispatcherConfig{
		ConfidenceThreshold: 0.7,
	})
	return &dispatcherFixture{
		dispatcher: d,
		mailbox:    mailbox,
		calendar:   cal,
		llm:        llm,
		ledger:     led,
	}
}

func newTestClassifierWith(llm *scriptedLLM) *Classifier {
	c := newTestClassifier(&fakeLLM{})
	c.llm = llm
	return c
}

const confirmationResponse = `{
	"email_type": "confirmation",
	"confidence": 0.9,
	"class_details": {"class_name": "Boxing Fundamentals", "date": "03/15/2024", "time": "6:15pm"},
	"action_required": "create_calendar"
}`

func TestDispatcherProcessesConfirmation(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{confirmationResponse}})

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeOK, rec.Outcome)

	assert.Len(t, fx.calendar.inserted, 1)
	assert.Equal(t, []string{"msg-1"}, fx.mailbox.marked)

	status := fx.dispatcher.Status()
	assert.Equal(t, 1, status.ProcessedCount)
	assert.Equal(t, 1, status.SuccessfulActions)
	assert.Equal(t, 0, status.ErrorCount)
}

// Confidence below the threshold gates the message out: recorded, no handler
// side effect.
func TestDispatcherGatesLowConfidence(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{`{
		"email_type": "confirmation",
		"confidence": 0.4,
		"action_required": "create_calendar"
	}`}})

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeLowConfidence, rec.Outcome)

	assert.Empty(t, fx.calendar.inserted)
	assert.Empty(t, fx.mailbox.marked)
	assert.Equal(t, 0, fx.dispatcher.Status().SuccessfulActions)
}

func TestDispatcherIsIdempotent(t *testing.T) {
	llm := &scriptedLLM{responses: []string{confirmationResponse, confirmationResponse}}
	fx := newDispatcherFixture(t, llm)

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))
	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	assert.Equal(t, 1, llm.calls, "second delivery must not reclassify")
	assert.Len(t, fx.calendar.inserted, 1)
	assert.Equal(t, 1, fx.dispatcher.Status().ProcessedCount)
}

func TestDispatcherRecordsHandlerFailure(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{confirmationResponse}})
	fx.calendar.insertErr = errors.New("calendar service 5xx: 503")

	// terminal failure is recorded, not bubbled up for redelivery
	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 1, fx.dispatcher.Status().ErrorCount)
	assert.Empty(t, fx.mailbox.marked)
}

func TestDispatcherFetchErrorIsRetryable(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{confirmationResponse}})
	fx.mailbox.fetchErr = errors.New("connecting to IMAP imap.example.com:993: connection refused")

	err := fx.dispatcher.Process(context.Background(), "msg-1")
	require.Error(t, err)

	// nothing recorded: the message can be redelivered safely
	seen, serr := fx.ledger.Seen(context.Background(), "msg-1")
	require.NoError(t, serr)
	assert.False(t, seen)
	assert.Equal(t, 0, fx.llm.calls)
}

// A confirmation with no usable details gets exactly one targeted extraction
// pass before materialization.
func TestDispatcherSecondaryExtraction(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"email_type": "confirmation", "confidence": 0.85, "action_required": "create_calendar"}`,
		`{"class_name": "Sparring 101", "date": "2024-04-02", "time": "19:00"}`,
	}}
	fx := newDispatcherFixture(t, llm)

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	assert.Equal(t, 2, llm.calls)
	require.Len(t, fx.calendar.inserted, 1)
	assert.Equal(t, "Sparring 101 - Iron Fist Boxing", fx.calendar.inserted[0].Summary)
}

func TestDispatcherSecondaryExtractionFailureIsNotFatal(t *testing.T) {
	llm := &scriptedLLM{
		responses: []string{
			`{"email_type": "confirmation", "confidence": 0.85, "action_required": "create_calendar"}`,
			"",
		},
		errs: []error{nil, errors.New("llm service 5xx: 502")},
	}
	fx := newDispatcherFixture(t, llm)

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	// falls through with sparse details: default class name
	require.Len(t, fx.calendar.inserted, 1)
	assert.Equal(t, "Boxing Class - Iron Fist Boxing", fx.calendar.inserted[0].Summary)

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeOK, rec.Outcome)
}

func TestDispatcherOtherIsNoOp(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{
		`{"email_type": "other", "confidence": 0.95, "action_required": "none"}`,
	}})

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeOK, rec.Outcome)

	assert.Empty(t, fx.calendar.inserted)
	assert.Empty(t, fx.mailbox.marked, "other is never marked read")
	assert.Equal(t, 0, fx.dispatcher.Status().SuccessfulActions)
}

func TestDispatcherMarkReadFailureIsBestEffort(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{confirmationResponse}})
	fx.mailbox.markErr = errors.New("imap store failed")

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeOK, rec.Outcome)
}

func TestProcessOneRejectsProcessedWithoutForce(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{confirmationResponse}})

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	err := fx.dispatcher.ProcessOne(context.Background(), "msg-1", false)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestProcessOneForceOnlyForFailures(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{confirmationResponse}})

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))

	err := fx.dispatcher.ProcessOne(context.Background(), "msg-1", true)
	assert.ErrorIs(t, err, ErrForceNotAllowed, "a success must not be replayed")
}

func TestProcessOneForceReprocessesFailure(t *testing.T) {
	llm := &scriptedLLM{responses: []string{confirmationResponse, confirmationResponse}}
	fx := newDispatcherFixture(t, llm)
	fx.calendar.insertErr = errors.New("calendar service 5xx: 503")

	require.NoError(t, fx.dispatcher.Process(context.Background(), "msg-1"))
	rec, _ := fx.ledger.Get(context.Background(), "msg-1")
	require.NotNil(t, rec)
	require.Equal(t, ledger.OutcomeFailed, rec.Outcome)

	// provider recovered
	fx.calendar.insertErr = nil

	require.NoError(t, fx.dispatcher.ProcessOne(context.Background(), "msg-1", true))

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeOK, rec.Outcome)
	assert.Len(t, fx.calendar.inserted, 1)
}

func TestProcessOneUnseenMessageProcesses(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{responses: []string{confirmationResponse}})

	require.NoError(t, fx.dispatcher.ProcessOne(context.Background(), "msg-1", false))

	rec, err := fx.ledger.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeOK, rec.Outcome)
}

func TestDispatcherStatusLastCheck(t *testing.T) {
	fx := newDispatcherFixture(t, &scriptedLLM{})

	assert.Nil(t, fx.dispatcher.Status().LastCheck)

	now := time.Now()
	fx.dispatcher.MarkCheck(now)
	lc := fx.dispatcher.Status().LastCheck
	require.NotNil(t, lc)
	assert.Equal(t, now, *lc)
}
