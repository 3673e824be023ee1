package mysql

import (
	"time"

	"github.com/workme/wallet-escrow/internal/domain"
)

type walletRow struct {
	UserID          string    `gorm:"primaryKey;size:64"`
	Balance         int64     `gorm:"not null;default:0"`
	CashbackBalance int64     `gorm:"not null;default:0"`
	Currency        string    `gorm:"size:3;not null;default:BRL"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (walletRow) TableName() string { return "wallets" }

func (r walletRow) toDomain() *domain.Wallet {
	return &domain.Wallet{
		UserID:          r.UserID,
		Balance:         domain.Amount(r.Balance),
		CashbackBalance: domain.Amount(r.CashbackBalance),
		Currency:        r.Currency,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type transactionRow struct {
	ID                string  `gorm:"primaryKey;size:26"`
	UserID            string  `gorm:"size:64;not null;index:idx_transactions_user_id,priority:1"`
	Amount            int64   `gorm:"not null"`
	Type              string  `gorm:"size:20;not null"`
	Status            string  `gorm:"size:12;not null;index:idx_transactions_status"`
	PaymentMethod     string  `gorm:"size:16;not null"`
	ProviderReference *string `gorm:"size:128;uniqueIndex"`
	PayoutReference   *string `gorm:"size:128;uniqueIndex"`
	BookingID         *string `gorm:"size:64"`
	Description       string  `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (transactionRow) TableName() string { return "transactions" }

func transactionFromDomain(t *domain.Transaction) transactionRow {
	return transactionRow{
		ID:                t.ID,
		UserID:            t.UserID,
		Amount:            int64(t.Amount),
		Type:              string(t.Type),
		Status:            string(t.Status),
		PaymentMethod:     string(t.PaymentMethod),
		ProviderReference: t.ProviderReference,
		PayoutReference:   t.PayoutReference,
		BookingID:         t.BookingID,
		Description:       t.Description,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func (r transactionRow) toDomain() *domain.Transaction {
	return &domain.Transaction{
		ID:                r.ID,
		UserID:            r.UserID,
		Amount:            domain.Amount(r.Amount),
		Type:              domain.TransactionType(r.Type),
		Status:            domain.TransactionStatus(r.Status),
		PaymentMethod:     domain.PaymentMethod(r.PaymentMethod),
		ProviderReference: r.ProviderReference,
		PayoutReference:   r.PayoutReference,
		BookingID:         r.BookingID,
		Description:       r.Description,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type bookingRow struct {
	ID                      string `gorm:"primaryKey;size:64"`
	ClientID                string `gorm:"size:64;not null;index"`
	ProfessionalID          string `gorm:"size:64;not null"`
	ServiceCategory         string `gorm:"size:64"`
	Description             string `gorm:"type:text"`
	Amount                  int64  `gorm:"not null"`
	Status                  string `gorm:"size:12;not null"`
	ScheduledDate           time.Time
	HoldTransactionID       string  `gorm:"size:26;not null"`
	ResolutionTransactionID *string `gorm:"size:26"`
	DisputeReason           string  `gorm:"type:text"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (bookingRow) TableName() string { return "bookings" }

func bookingFromDomain(b *domain.Booking) bookingRow {
	return bookingRow{
		ID:                      b.ID,
		ClientID:                b.ClientID,
		ProfessionalID:          b.ProfessionalID,
		ServiceCategory:         b.ServiceCategory,
		Description:             b.Description,
		Amount:                  int64(b.Amount),
		Status:                  string(b.Status),
		ScheduledDate:           b.ScheduledDate,
		HoldTransactionID:       b.HoldTransactionID,
		ResolutionTransactionID: b.ResolutionTransactionID,
		DisputeReason:           b.DisputeReason,
		CreatedAt:               b.CreatedAt,
		UpdatedAt:               b.UpdatedAt,
	}
}

func (r bookingRow) toDomain() *domain.Booking {
	return &domain.Booking{
		ID:                      r.ID,
		ClientID:                r.ClientID,
		ProfessionalID:          r.ProfessionalID,
		ServiceCategory:         r.ServiceCategory,
		Description:             r.Description,
		Amount:                  domain.Amount(r.Amount),
		Status:                  domain.BookingStatus(r.Status),
		ScheduledDate:           r.ScheduledDate,
		HoldTransactionID:       r.HoldTransactionID,
		ResolutionTransactionID: r.ResolutionTransactionID,
		DisputeReason:           r.DisputeReason,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
}
