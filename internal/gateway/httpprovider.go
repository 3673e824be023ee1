package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/workme/wallet-escrow/internal/domain"
)

// SignatureHeader carrega o HMAC-SHA256 (hex) do corpo do webhook
const SignatureHeader = "X-Provider-Signature"

// HTTPProviderConfig configura o cliente do PSP genérico (PIX e cartão)
type HTTPProviderConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// HTTPProvider fala com o PSP por uma API REST simples
type HTTPProvider struct {
	client *resty.Client
	secret []byte
}

// NewHTTPProvider cria uma nova instância de HTTPProvider
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPProvider{client: client, secret: []byte(cfg.WebhookSecret)}
}

func (p *HTTPProvider) Name() string { return "http" }

// IdempotentPayouts: o PSP deduplica pelo header Idempotency-Key
func (p *HTTPProvider) IdempotentPayouts() bool { return true }

type intentBody struct {
	Reference  string `json:"reference"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Method     string `json:"method"`
	CustomerID string `json:"customer_id"`
}

type payoutBody struct {
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	PixKey    string `json:"pix_key"`
}

type statusBody struct {
	Reference   string            `json:"reference"`
	Status      string            `json:"status"`
	PaymentData map[string]string `json:"payment_data,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *HTTPProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*PaymentIntent, error) {
	var out statusBody
	var apiErr errorBody
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(intentBody{
			Reference:  req.Reference,
			Amount:     req.Amount.String(),
			Currency:   domain.DefaultCurrency,
			Method:     string(req.Method),
			CustomerID: req.UserID,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/payment-intents")
	if err != nil {
		return nil, fmt.Errorf("payment intent request: %w", err)
	}
	if err := classify(resp, apiErr); err != nil {
		return nil, err
	}

	ref := out.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &PaymentIntent{Reference: ref, Payload: out.PaymentData}, nil
}

func (p *HTTPProvider) RequestPayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	var out statusBody
	var apiErr errorBody
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.Reference).
		SetBody(payoutBody{
			Reference: req.Reference,
			Amount:    req.Amount.String(),
			Currency:  domain.DefaultCurrency,
			PixKey:    req.PixKey,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/payouts")
	if err != nil {
		return nil, fmt.Errorf("payout request: %w", err)
	}
	if err := classify(resp, apiErr); err != nil {
		return nil, err
	}

	payout := &Payout{Outcome: mapStatus(out.Status)}
	if payout.Outcome == OutcomeFailure {
		return payout, fmt.Errorf("%w: status %s", domain.ErrPayoutRejected, out.Status)
	}
	return payout, nil
}

func (p *HTTPProvider) QueryStatus(ctx context.Context, q StatusQuery) (Outcome, error) {
	var out statusBody
	var apiErr errorBody
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("reference", q.Reference).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1/transactions/{reference}")
	if err != nil {
		return OutcomePending, fmt.Errorf("status request: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return OutcomePending, fmt.Errorf("%w: %s", domain.ErrUnknownReference, q.Reference)
	}
	if err := classify(resp, apiErr); err != nil {
		return OutcomePending, err
	}
	return mapStatus(out.Status), nil
}

// ParseCallback confere o HMAC do corpo bruto antes de decodificar
func (p *HTTPProvider) ParseCallback(header http.Header, body []byte) (*Callback, error) {
	if !p.validSignature(header.Get(SignatureHeader), body) {
		return nil, domain.ErrInvalidSignature
	}

	var in statusBody
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("invalid callback body: %w", err)
	}
	if in.Reference == "" {
		return nil, fmt.Errorf("%w: empty reference", domain.ErrUnknownReference)
	}
	return &Callback{Reference: in.Reference, Outcome: mapStatus(in.Status)}, nil
}

// Sign calcula a assinatura que o PSP envia no webhook
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *HTTPProvider) validSignature(signature string, body []byte) bool {
	if len(p.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// classify: 4xx é rejeição definitiva, 5xx é transitório
func classify(resp *resty.Response, apiErr errorBody) error {
	if !resp.IsError() {
		return nil
	}
	msg := apiErr.Message
	if msg == "" {
		msg = resp.String()
	}
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %d %s", domain.ErrPayoutRejected, resp.StatusCode(), msg)
	}
	return fmt.Errorf("provider returned %d: %s", resp.StatusCode(), msg)
}

func mapStatus(status string) Outcome {
	switch strings.ToLower(status) {
	case "succeeded", "success", "completed", "paid", "settled":
		return OutcomeSuccess
	case "failed", "failure", "rejected", "cancelled", "canceled", "expired", "denied":
		return OutcomeFailure
	default:
		return OutcomePending
	}
}
