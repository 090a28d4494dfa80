package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gymagent/internal/ledger"
	"gymagent/internal/mail"
	"gymagent/internal/model"
	"gymagent/pkg/metrics"
	"gymagent/pkg/util"
)

var (
	// ErrAlreadyProcessed is returned by ProcessOne for a message that has a
	// terminal ledger record and force was not requested.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrForceNotAllowed is returned when force reprocessing targets a
	// message whose recorded outcome is not a failure.
	ErrForceNotAllowed = errors.New("force reprocess is only allowed for failed messages")
)

// DispatcherConfig carries the routing policy knobs.
type DispatcherConfig struct {
	ConfidenceThreshold float64
	EnableAutoRegister  bool
}

// Dispatcher drives one message through its whole lifecycle:
//
//	Fetched -> Classified -> {Gated-Out | Routed} ->
//	{ActionComplete | ActionFailed} -> Recorded
//
// The ledger claim is the idempotency barrier: once a message is claimed,
// exactly one terminal record is written for it, success or failure alike.
type Dispatcher struct {
	classifier   *Classifier
	materializer *Materializer
	mailbox      mail.Mailbox
	ledger       ledger.Ledger
	logger       *zap.Logger
	cfg          DispatcherConfig

	mu     sync.Mutex
	status model.AgentStatus
}

func NewDispatcher(classifier *Classifier, materializer *Materializer, mailbox mail.Mailbox, led ledger.Ledger, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	return &Dispatcher{
		classifier:   classifier,
		materializer: materializer,
		mailbox:      mailbox,
		ledger:       led,
		logger:       logger,
		cfg:          cfg,
	}
}

// Process runs the full lifecycle for one message id.
//
// A nil return means the message reached a terminal state (processed,
// already-claimed, or recorded as failed) and must not be redelivered. An
// error return means a pre-claim infrastructure failure; the caller may
// retry the whole call safely.
func (d *Dispatcher) Process(ctx context.Context, messageID string) error {
	seen, err := d.ledger.Seen(ctx, messageID)
	if err != nil {
		return fmt.Errorf("checking ledger for %s: %w", messageID, err)
	}
	if seen {
		d.logger.Debug("message already in ledger, skipping", zap.String("message_id", messageID))
		return nil
	}

	msg, err := d.mailbox.Fetch(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetching message %s: %w", messageID, err)
	}

	claimed, err := d.ledger.Claim(ctx, messageID)
	if err != nil {
		return fmt.Errorf("claiming message %s: %w", messageID, err)
	}
	if !claimed {
		// 别的 worker 已经抢到了
		d.logger.Debug("lost claim race, skipping", zap.String("message_id", messageID))
		return nil
	}

	d.runClaimed(ctx, msg)
	return nil
}

// runClaimed executes classification, gating, routing and recording for a
// message this worker owns. Never returns an error: every path below the
// claim terminates in a ledger record.
func (d *Dispatcher) runClaimed(ctx context.Context, msg *model.Message) {
	cls := d.classifier.Classify(ctx, msg)

	if ctx.Err() != nil {
		// 停机途中被打断，释放 claim，下次轮询重新处理
		if err := d.ledger.Release(context.WithoutCancel(ctx), msg.ID); err != nil {
			d.logger.Warn("releasing interrupted claim failed",
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
		return
	}

	d.logger.Info("message classified",
		zap.String("message_id", msg.ID),
		zap.String("email_type", string(cls.EmailType)),
		zap.Float64("confidence", cls.Confidence),
		zap.String("action_required", string(cls.ActionRequired)))

	if cls.Confidence < d.cfg.ConfidenceThreshold {
		d.logger.Info("confidence below threshold, gating out",
			zap.String("message_id", msg.ID),
			zap.Float64("confidence", cls.Confidence),
			zap.Float64("threshold", d.cfg.ConfidenceThreshold))
		d.record(ctx, msg.ID, ledger.OutcomeLowConfidence)
		return
	}

	err := d.route(ctx, msg, cls)
	if err != nil {
		retryable, kind := util.IsRetryableError(err)
		d.logger.Error("handler failed",
			zap.String("message_id", msg.ID),
			zap.String("email_type", string(cls.EmailType)),
			zap.Bool("retryable", retryable),
			zap.String("error_kind", kind),
			zap.Error(err))
		d.record(ctx, msg.ID, ledger.OutcomeFailed)
		return
	}

	if cls.EmailType != model.EmailTypeOther {
		d.markReadBestEffort(ctx, msg.ID)
		d.addSuccessfulAction()
	}
	d.record(ctx, msg.ID, ledger.OutcomeOK)
}

// route invokes the category handler. Only confirmation touches the
// calendar; the remaining categories are log-only paths.
func (d *Dispatcher) route(ctx context.Context, msg *model.Message, cls *model.Classification) error {
	switch cls.EmailType {
	case model.EmailTypeConfirmation:
		return d.handleConfirmation(ctx, msg, cls)
	case model.EmailTypeRegistrationForm:
		return d.handleRegistrationForm(msg, cls)
	case model.EmailTypeCancellation:
		d.logger.Info("cancellation noted",
			zap.String("message_id", msg.ID),
			zap.String("subject", msg.Subject))
		return nil
	case model.EmailTypeWaitlist:
		d.logger.Info("waitlist notification noted",
			zap.String("message_id", msg.ID),
			zap.String("subject", msg.Subject))
		return nil
	default:
		// "other" is a deliberate no-op
		return nil
	}
}

// handleConfirmation materializes the calendar entry. When the primary
// classification carried no usable details, exactly one targeted extraction
// pass runs first; its failure is logged, not fatal.
func (d *Dispatcher) handleConfirmation(ctx context.Context, msg *model.Message, cls *model.Classification) error {
	details := cls.ClassDetails
	if details.Empty() {
		extracted, err := d.classifier.ExtractClassDetails(ctx, msg)
		if err != nil {
			d.logger.Warn("secondary extraction failed, continuing with sparse details",
				zap.String("message_id", msg.ID),
				zap.Error(err))
		} else if !extracted.Empty() {
			details = extracted
		}
	}

	outcome, eventID, err := d.materializer.Materialize(ctx, msg, details)
	if err != nil {
		return err
	}
	d.logger.Info("confirmation handled",
		zap.String("message_id", msg.ID),
		zap.String("outcome", string(outcome)),
		zap.String("event_id", eventID))
	return nil
}

// handleRegistrationForm records the discovered links. Auto-registration is
// a configuration flag whose action path is intentionally inert.
func (d *Dispatcher) handleRegistrationForm(msg *model.Message, cls *model.Classification) error {
	d.logger.Info("registration form received",
		zap.String("message_id", msg.ID),
		zap.Strings("form_links", cls.FormLinks),
		zap.String("registration_url", cls.RegistrationURL))
	if d.cfg.EnableAutoRegister {
		d.logger.Info("auto-registration enabled but takes no action",
			zap.String("message_id", msg.ID))
	}
	return nil
}

// record writes the terminal outcome and updates counters. A ledger write
// failure here is logged, not propagated: the claim already protects against
// a rerun within this process and redelivery must not repeat side effects.
func (d *Dispatcher) record(ctx context.Context, messageID string, outcome ledger.Outcome) {
	if err := d.ledger.Record(ctx, messageID, outcome); err != nil {
		d.logger.Error("recording outcome failed",
			zap.String("message_id", messageID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}

	metrics.RecordEmailProcessed(string(outcome))

	d.mu.Lock()
	d.status.ProcessedCount++
	if outcome == ledger.OutcomeFailed {
		d.status.ErrorCount++
	}
	d.mu.Unlock()
}

func (d *Dispatcher) markReadBestEffort(ctx context.Context, messageID string) {
	if err := d.mailbox.MarkRead(ctx, messageID); err != nil {
		d.logger.Warn("marking message read failed",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

func (d *Dispatcher) addSuccessfulAction() {
	d.mu.Lock()
	d.status.SuccessfulActions++
	d.mu.Unlock()
}

// ProcessOne is the manual-reprocess entry point behind the control API.
// force drops an existing terminal record, but only a failed one: replaying
// a success would duplicate its side effects.
func (d *Dispatcher) ProcessOne(ctx context.Context, messageID string, force bool) error {
	rec, err := d.ledger.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("reading ledger for %s: %w", messageID, err)
	}

	if rec != nil {
		if !force {
			return ErrAlreadyProcessed
		}
		if rec.Outcome != ledger.OutcomeFailed {
			return ErrForceNotAllowed
		}
		if err := d.ledger.Forget(ctx, messageID); err != nil {
			return fmt.Errorf("dropping failed record for %s: %w", messageID, err)
		}
	}

	return d.Process(ctx, messageID)
}

// Status returns a snapshot of the agent counters.
func (d *Dispatcher) Status() model.AgentStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dispatcher) SetRunning(running bool) {
	d.mu.Lock()
	d.status.Running = running
	d.mu.Unlock()
}

// MarkCheck records the completion time of a poll pass.
func (d *Dispatcher) MarkCheck(t time.Time) {
	d.mu.Lock()
	d.status.LastCheck = &t
	d.mu.Unlock()
}
