package gateway

import (
	"context"
	"net/http"

	"github.com/workme/wallet-escrow/internal/domain"
)

// Outcome é o resultado final (ou não) de uma operação no provedor
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// Terminal informa se o outcome encerra a entrada pendente
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// IntentRequest pede ao provedor a cobrança de um depósito
type IntentRequest struct {
	Reference string
	UserID    string
	Amount    domain.Amount
	Method    domain.PaymentMethod
}

// PaymentIntent é o que o cliente precisa para pagar (QR code PIX, URL do checkout)
type PaymentIntent struct {
	Reference string            `json:"provider_reference"`
	Payload   map[string]string `json:"payment_data"`
}

// PayoutRequest pede a transferência de um saque para a chave PIX
type PayoutRequest struct {
	Reference string
	UserID    string
	Amount    domain.Amount
	PixKey    string
}

// Payout é a resposta do provedor ao pedido de payout
type Payout struct {
	Outcome Outcome
	// ProviderID é o identificador do payout no provedor quando ele não usa a nossa referência.
	ProviderID string
}

// StatusQuery identifica a entrada pending a consultar
type StatusQuery struct {
	Reference string
	Type      domain.TransactionType
	// PayoutID vem do ledger; vazio quando o provedor nunca confirmou o payout.
	PayoutID string
}

// StatusQueryFor monta a consulta a partir da entrada do ledger
func StatusQueryFor(t *domain.Transaction) StatusQuery {
	q := StatusQuery{Reference: t.Reference(), Type: t.Type}
	if t.PayoutReference != nil {
		q.PayoutID = *t.PayoutReference
	}
	return q
}

// Callback é a notificação assíncrona já validada.
// Provedores que só conhecem o próprio id do payout preenchem PayoutID em vez de Reference.
type Callback struct {
	Reference string
	PayoutID  string
	Outcome   Outcome
}

// Provider é o contrato mínimo com o processador de pagamentos.
// Rejeições definitivas devem ser embrulhadas em domain.ErrPayoutRejected;
// qualquer outro erro é tratado como falha transitória.
type Provider interface {
	Name() string
	// IdempotentPayouts informa se o provedor deduplica payouts pela nossa referência.
	// Sem isso o pedido de payout é feito uma única vez.
	IdempotentPayouts() bool
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*PaymentIntent, error)
	RequestPayout(ctx context.Context, req PayoutRequest) (*Payout, error)
	// QueryStatus retorna domain.ErrUnknownReference quando o provedor não conhece a referência.
	QueryStatus(ctx context.Context, q StatusQuery) (Outcome, error)
	// ParseCallback valida a assinatura antes de interpretar o corpo.
	ParseCallback(header http.Header, body []byte) (*Callback, error)
}
