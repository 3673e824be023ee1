package domain

import (
	"fmt"
	"time"
)

// BookingStatus representa o estado de uma reserva
type BookingStatus string

const (
	BookingStatusCreated   BookingStatus = "created"
	BookingStatusFunded    BookingStatus = "funded"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusRefunded  BookingStatus = "refunded"
	BookingStatusDisputed  BookingStatus = "disputed"
)

// BookingEvent é um evento que move a máquina de estados da reserva
type BookingEvent string

const (
	BookingEventFund     BookingEvent = "fund"
	BookingEventComplete BookingEvent = "complete"
	BookingEventCancel   BookingEvent = "cancel"
	BookingEventRefund   BookingEvent = "refund"
	BookingEventDispute  BookingEvent = "dispute"
)

type bookingTransition struct {
	from  BookingStatus
	event BookingEvent
}

var bookingTransitions = map[bookingTransition]BookingStatus{
	{BookingStatusCreated, BookingEventFund}:      BookingStatusFunded,
	{BookingStatusFunded, BookingEventComplete}:   BookingStatusCompleted,
	{BookingStatusFunded, BookingEventCancel}:     BookingStatusCancelled,
	{BookingStatusCancelled, BookingEventRefund}:  BookingStatusRefunded,
	{BookingStatusFunded, BookingEventDispute}:    BookingStatusDisputed,
	{BookingStatusCompleted, BookingEventDispute}: BookingStatusDisputed,
}

// Next retorna o estado resultante de aplicar o evento, sem alterar nada
func (s BookingStatus) Next(event BookingEvent) (BookingStatus, error) {
	next, ok := bookingTransitions[bookingTransition{s, event}]
	if !ok {
		return s, fmt.Errorf("%w: cannot %s a booking in status %s", ErrInvalidBookingState, event, s)
	}
	return next, nil
}

// Terminal informa se não há mais transições automáticas a partir do estado
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingStatusRefunded, BookingStatusDisputed:
		return true
	}
	return false
}

// Booking representa a reserva de um serviço com fundos em custódia
type Booking struct {
	ID                      string        `json:"id" db:"id"`
	ClientID                string        `json:"client_id" db:"client_id"`
	ProfessionalID          string        `json:"professional_id" db:"professional_id"`
	ServiceCategory         string        `json:"service_category,omitempty" db:"service_category"`
	Description             string        `json:"description,omitempty" db:"description"`
	Amount                  Amount        `json:"amount" db:"amount"`
	Status                  BookingStatus `json:"status" db:"status"`
	ScheduledDate           time.Time     `json:"scheduled_date" db:"scheduled_date"`
	HoldTransactionID       string        `json:"hold_transaction_id" db:"hold_transaction_id"`
	ResolutionTransactionID *string       `json:"resolution_transaction_id,omitempty" db:"resolution_transaction_id"`
	DisputeReason           string        `json:"dispute_reason,omitempty" db:"dispute_reason"`
	CreatedAt               time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at" db:"updated_at"`
}

// NewBooking cria uma reserva no estado created
func NewBooking(clientID, professionalID string, amount Amount, scheduledDate, now time.Time) (*Booking, error) {
	if clientID == "" || professionalID == "" {
		return nil, fmt.Errorf("%w: client and professional are required", ErrInvalidBooking)
	}
	if clientID == professionalID {
		return nil, fmt.Errorf("%w: client and professional must differ", ErrInvalidBooking)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: booking amount must be positive", ErrInvalidAmount)
	}
	return &Booking{
		ID:             NewBookingID(),
		ClientID:       clientID,
		ProfessionalID: professionalID,
		Amount:         amount,
		Status:         BookingStatusCreated,
		ScheduledDate:  scheduledDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Apply é o único caminho que altera Status.
func (b *Booking) Apply(event BookingEvent, now time.Time) error {
	next, err := b.Status.Next(event)
	if err != nil {
		return err
	}
	b.Status = next
	b.UpdatedAt = now
	return nil
}

// Resolve registra a transação de liberação ou reembolso
func (b *Booking) Resolve(transactionID string) {
	b.ResolutionTransactionID = &transactionID
}
