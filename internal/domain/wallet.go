package domain

import "time"

// Wallet representa a carteira de um usuário
type Wallet struct {
	UserID          string    `json:"user_id" db:"user_id"`
	Balance         Amount    `json:"balance" db:"balance"`
	CashbackBalance Amount    `json:"cashback_balance" db:"cashback_balance"`
	Currency        string    `json:"currency" db:"currency"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// NewWallet cria uma carteira vazia
func NewWallet(userID, currency string, now time.Time) *Wallet {
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Wallet{
		UserID:    userID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
