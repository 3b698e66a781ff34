package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"finance-tracker/internal/models"

	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	declared   []string
	declareErr error
	publishErr error
	published  []published
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp091.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewPublisherDeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	_, err := newPublisher(ch, "ledger", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger:topic"}, ch.declared)
}

func TestNewPublisherDeclareError(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	_, err := newPublisher(ch, "ledger", discardLogger())
	assert.ErrorContains(t, err, "declare exchange")
	assert.True(t, ch.closed)
}

func TestPublishExpenseRecorded(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(ch, "ledger", discardLogger())
	require.NoError(t, err)

	at := time.Date(2026, time.April, 2, 8, 0, 0, 0, time.UTC)
	entry := models.ExpenseEntry{
		ID:        7,
		UserID:    3,
		Category:  "rent",
		Amount:    decimal.RequireFromString("150"),
		CreatedAt: at,
	}
	require.NoError(t, p.Publish(context.Background(), ExpenseRecorded(entry, decimal.Zero)))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "ledger", got.exchange)
	assert.Equal(t, TypeExpenseRecorded, got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, got.msg.DeliveryMode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, "expense.recorded", body["type"])
	assert.Equal(t, "rent", body["category"])
	assert.Equal(t, "150", body["amount"])
	assert.NotContains(t, body, "reason")
}

func TestPublishError(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(ch, "ledger", discardLogger())
	require.NoError(t, err)

	ch.publishErr = amqp091.ErrClosed
	err = p.Publish(context.Background(), CashRecorded(models.CashEntry{ID: 1, UserID: 1}, decimal.Zero))
	assert.ErrorIs(t, err, amqp091.ErrClosed)
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newPublisher(ch, "ledger", discardLogger())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
