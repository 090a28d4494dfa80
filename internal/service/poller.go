package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gymagent/internal/ledger"
	"gymagent/internal/mail"
	"gymagent/internal/mq"
	"gymagent/pkg/metrics"
)

// PollerConfig carries the poll loop knobs: search query, batch bound and
// tick interval.
type PollerConfig struct {
	Query                string
	MaxMessagesPerCheck  int
	CheckIntervalMinutes int
}

// Poller periodically searches the mailbox and publishes one queue message
// per unseen id. It never exits on collaborator errors: a failed pass is
// logged and the next tick tries again.
type Poller struct {
	mailbox    mail.Mailbox
	led        ledger.Ledger
	producer   *mq.Producer
	dispatcher *Dispatcher
	logger     *zap.Logger
	cfg        PollerConfig

	cron *cron.Cron
}

func NewPoller(mailbox mail.Mailbox, led ledger.Ledger, producer *mq.Producer, dispatcher *Dispatcher, logger *zap.Logger, cfg PollerConfig) *Poller {
	if cfg.MaxMessagesPerCheck <= 0 {
		cfg.MaxMessagesPerCheck = 10
	}
	if cfg.CheckIntervalMinutes <= 0 {
		cfg.CheckIntervalMinutes = 5
	}
	return &Poller{
		mailbox:    mailbox,
		led:        led,
		producer:   producer,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start runs one startup sweep over the current inbox, then schedules the
// recurring tick. ctx bounds the sweep and every scheduled pass.
func (p *Poller) Start(ctx context.Context) error {
	p.dispatcher.SetRunning(true)

	// 启动先扫一遍存量邮件，不等第一个定时 tick
	if n, err := p.CheckNow(ctx); err != nil {
		p.logger.Warn("startup sweep failed, will retry on schedule", zap.Error(err))
	} else {
		p.logger.Info("startup sweep complete", zap.Int("published", n))
	}

	p.cron = cron.New()
	spec := fmt.Sprintf("@every %dm", p.cfg.CheckIntervalMinutes)
	_, err := p.cron.AddFunc(spec, func() {
		if _, err := p.CheckNow(ctx); err != nil {
			p.logger.Warn("scheduled check failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling poll tick: %w", err)
	}

	p.cron.Start()
	p.logger.Info("poller started", zap.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (p *Poller) Stop() {
	p.dispatcher.SetRunning(false)
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// CheckNow runs one poll pass: search the mailbox, drop ids the ledger has
// already seen, publish the rest. Returns the number published.
func (p *Poller) CheckNow(ctx context.Context) (int, error) {
	ids, err := p.mailbox.Search(ctx, p.cfg.Query, p.cfg.MaxMessagesPerCheck)
	if err != nil {
		return 0, fmt.Errorf("searching mailbox: %w", err)
	}

	published := 0
	for _, id := range ids {
		seen, err := p.led.Seen(ctx, id)
		if err != nil {
			p.logger.Warn("ledger check failed, skipping id this pass",
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		if seen {
			continue
		}

		payload := mq.MailFetchedPayload{
			MessageID: id,
			FetchedAt: time.Now(),
		}
		if err := p.producer.Publish(mq.RoutingKeyMailFetched, payload); err != nil {
			p.logger.Warn("publishing mail fetched event failed",
				zap.String("message_id", id),
				zap.Error(err))
			continue
		}
		published++
	}

	metrics.PollBatchSize.Set(float64(published))
	p.dispatcher.MarkCheck(time.Now())

	p.logger.Info("poll pass complete",
		zap.Int("candidates", len(ids)),
		zap.Int("published", published))
	return published, nil
}
