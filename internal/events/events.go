// Package events publishes ledger changes to an AMQP exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"finance-tracker/internal/models"

	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

// Event types double as routing keys on the topic exchange.
const (
	TypeCashRecorded    = "cash.recorded"
	TypeExpenseRecorded = "expense.recorded"
)

const publishTimeout = 5 * time.Second

// LedgerEvent is the message body published after a ledger entry is committed.
type LedgerEvent struct {
	Type             string          `json:"type"`
	UserID           int64           `json:"user_id"`
	EntryID          int64           `json:"entry_id"`
	Amount           decimal.Decimal `json:"amount"`
	Category         string          `json:"category,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

func CashRecorded(e models.CashEntry, remaining decimal.Decimal) LedgerEvent {
	return LedgerEvent{
		Type:             TypeCashRecorded,
		UserID:           e.UserID,
		EntryID:          e.ID,
		Amount:           e.Amount,
		Reason:           e.Reason,
		RemainingBalance: remaining,
		OccurredAt:       e.CreatedAt,
	}
}

func ExpenseRecorded(e models.ExpenseEntry, remaining decimal.Decimal) LedgerEvent {
	return LedgerEvent{
		Type:             TypeExpenseRecorded,
		UserID:           e.UserID,
		EntryID:          e.ID,
		Amount:           e.Amount,
		Category:         e.Category,
		RemainingBalance: remaining,
		OccurredAt:       e.CreatedAt,
	}
}

// channel is the subset of *amqp091.Channel used by Publisher.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends LedgerEvents to a durable topic exchange.
type Publisher struct {
	conn     *amqp091.Connection
	ch       channel
	exchange string
	logger   *slog.Logger
}

// Dial connects to url and declares the exchange.
func Dial(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := newPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *slog.Logger) (*Publisher, error) {
	err := ch.ExchangeDeclare(
		exchange,
		amqp091.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}, nil
}

// Publish sends ev with its type as the routing key.
func (p *Publisher) Publish(ctx context.Context, ev LedgerEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	p.logger.DebugContext(ctx, "published ledger event",
		"type", ev.Type,
		"user_id", ev.UserID,
		"entry_id", ev.EntryID,
	)
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
