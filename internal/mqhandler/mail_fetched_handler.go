package mqhandler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"gymagent/internal/mq"
	"gymagent/internal/service"
	"gymagent/pkg/logger"
	"gymagent/pkg/util"
)

const dedupScope = "mail_fetched"

// MailFetchedHandler bridges queue deliveries to the dispatcher.
//
// Ack/nack contract: a nil return acks the delivery, including terminal
// failures the dispatcher already recorded. An error return nacks and
// requeues, and is reserved for pre-claim infrastructure errors where a
// retry is safe.
type MailFetchedHandler struct {
	dispatcher *service.Dispatcher
	deduper    *util.Deduper
	logger     *zap.Logger
}

func NewMailFetchedHandler(dispatcher *service.Dispatcher, deduper *util.Deduper, logger *zap.Logger) *MailFetchedHandler {
	return &MailFetchedHandler{
		dispatcher: dispatcher,
		deduper:    deduper,
		logger:     logger,
	}
}

func (h *MailFetchedHandler) HandleMailFetched(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mq.MailFetchedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// 消息体坏了，重投也没用，直接丢弃
		log.Error("failed to unmarshal mail fetched payload, dropping", zap.Error(err))
		return nil
	}
	if p.MessageID == "" {
		log.Warn("mail fetched payload without message id, dropping")
		return nil
	}

	// Redis pre-filter for duplicate deliveries; the ledger claim stays
	// authoritative, so fail-open here is safe.
	if !h.deduper.AcquireOnce(ctx, dedupScope, p.MessageID) {
		log.Debug("duplicate delivery filtered", zap.String("message_id", p.MessageID))
		return nil
	}

	if err := h.dispatcher.Process(ctx, p.MessageID); err != nil {
		retryable, kind := util.IsRetryableError(err)
		if retryable {
			log.Warn("transient failure before claim, requeueing",
				zap.String("message_id", p.MessageID),
				zap.String("error_kind", kind),
				zap.Error(err))
			// 释放去重锁，否则重投的消息会被自己挡住
			h.deduper.Release(ctx, dedupScope, p.MessageID)
			return err
		}
		log.Error("non-retryable failure before claim, dropping",
			zap.String("message_id", p.MessageID),
			zap.String("error_kind", kind),
			zap.Error(err))
		return nil
	}

	return nil
}
