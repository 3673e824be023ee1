package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
)

const (
	TypeTransactionRecorded  = "ledger.transaction.recorded"
	TypeTransactionSettled   = "ledger.transaction.settled"
	TypeBookingStatusChanged = "booking.status.changed"
)

// Event é a mensagem publicada depois do commit
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// Publisher publica eventos do ledger. Falhas não desfazem a operação já commitada.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// TransactionRecorded monta o evento de uma nova entrada no ledger
func TransactionRecorded(t *domain.Transaction) Event {
	return Event{Type: TypeTransactionRecorded, Key: t.UserID, OccurredAt: t.CreatedAt, Payload: t}
}

// TransactionSettled monta o evento de uma entrada que saiu de pending
func TransactionSettled(t *domain.Transaction) Event {
	return Event{Type: TypeTransactionSettled, Key: t.UserID, OccurredAt: t.UpdatedAt, Payload: t}
}

type bookingChange struct {
	Booking *domain.Booking      `json:"booking"`
	From    domain.BookingStatus `json:"from"`
}

// BookingStatusChanged monta o evento de transição da reserva
func BookingStatusChanged(b *domain.Booking, from domain.BookingStatus) Event {
	return Event{
		Type:       TypeBookingStatusChanged,
		Key:        b.ID,
		OccurredAt: b.UpdatedAt,
		Payload:    bookingChange{Booking: b, From: from},
	}
}

// KafkaPublisher publica eventos num tópico Kafka
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher cria o writer com balanceamento LeastBytes
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			p.logger.Error("failed to marshal event", zap.Error(err), zap.String("type", e.Type))
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Key),
			Value: data,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("failed to publish events to Kafka", zap.Error(err), zap.Int("count", len(msgs)))
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher descarta eventos quando Kafka não está configurado
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) error { return nil }

// Recorder guarda eventos em memória (testes)
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Types retorna os tipos publicados, em ordem
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
