// Package mq is the RabbitMQ plumbing between the poller and the dispatch
// workers: one topic exchange, one durable queue per routing key, manual
// ack/nack.
package mq

import (
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "events"

	// RoutingKeyMailFetched carries one unseen message id from the poller to
	// the dispatch workers.
	RoutingKeyMailFetched = "mail.fetched"
)

// MailFetchedPayload is the wire shape published per unseen message id.
type MailFetchedPayload struct {
	MessageID string    `json:"message_id"`
	FetchedAt time.Time `json:"fetched_at"`
}

// declareExchange declares the events topic exchange on ch.
func declareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic", // topic exchange 支持 routing key 模式匹配
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
}
