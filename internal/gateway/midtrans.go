package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/iris"
	"github.com/midtrans/midtrans-go/snap"

	"github.com/workme/wallet-escrow/internal/domain"
)

// IrisSignatureHeader é o header das notificações de payout do Iris
const IrisSignatureHeader = "Iris-Signature"

// MidtransConfig reúne as chaves da conta Midtrans
type MidtransConfig struct {
	ServerKey   string
	IrisKey     string
	MerchantKey string
	Production  bool
}

// MidtransProvider cobra depósitos pelo Snap e paga saques pelo Iris.
// O Iris gera o próprio reference_no; ele volta em Payout.ProviderID e é gravado no ledger.
type MidtransProvider struct {
	snap      snap.Client
	core      coreapi.Client
	iris      iris.Client
	serverKey string
	merchant  string
}

// NewMidtransProvider cria uma nova instância de MidtransProvider
func NewMidtransProvider(cfg MidtransConfig) *MidtransProvider {
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}

	p := &MidtransProvider{
		serverKey: cfg.ServerKey,
		merchant:  cfg.MerchantKey,
	}
	p.snap.New(cfg.ServerKey, env)
	p.core.New(cfg.ServerKey, env)
	p.iris.New(cfg.IrisKey, env)
	return p
}

func (p *MidtransProvider) Name() string { return "midtrans" }

// IdempotentPayouts: o Iris cria um payout novo a cada POST
func (p *MidtransProvider) IdempotentPayouts() bool { return false }

// grossAmount: a Midtrans só aceita valores inteiros
func grossAmount(a domain.Amount) (int64, error) {
	if a%100 != 0 {
		return 0, fmt.Errorf("%w: midtrans requires whole amounts, got %s", domain.ErrInvalidAmount, a)
	}
	return int64(a) / 100, nil
}

func (p *MidtransProvider) CreatePaymentIntent(_ context.Context, req IntentRequest) (*PaymentIntent, error) {
	gross, err := grossAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	sreq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: gross,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.UserID,
		},
	}
	if req.Method == domain.PaymentMethodCreditCard {
		sreq.CreditCard = &snap.CreditCardDetails{Secure: true}
	}

	resp, merr := p.snap.CreateTransaction(sreq)
	if merr != nil {
		return nil, midtransError("snap create transaction", merr)
	}
	return &PaymentIntent{
		Reference: req.Reference,
		Payload: map[string]string{
			"token":        resp.Token,
			"redirect_url": resp.RedirectURL,
		},
	}, nil
}

func (p *MidtransProvider) RequestPayout(_ context.Context, req PayoutRequest) (*Payout, error) {
	resp, merr := p.iris.CreatePayout(iris.CreatePayoutReq{
		Payouts: []iris.CreatePayoutDetailReq{{
			BeneficiaryName:    req.UserID,
			BeneficiaryAccount: req.PixKey,
			BeneficiaryBank:    "pix",
			Amount:             req.Amount.String(),
			Notes:              req.Reference,
		}},
	})
	if merr != nil {
		return nil, midtransError("iris create payout", merr)
	}
	if len(resp.Payouts) == 0 {
		return nil, fmt.Errorf("iris returned no payouts for %s", req.Reference)
	}

	created := resp.Payouts[0]
	payout := &Payout{Outcome: mapIrisStatus(created.Status), ProviderID: created.ReferenceNo}
	if payout.Outcome == OutcomeFailure {
		return payout, fmt.Errorf("%w: iris status %s", domain.ErrPayoutRejected, created.Status)
	}
	return payout, nil
}

// QueryStatus consulta o Core API para depósitos e o Iris para saques.
// O Core API não conhece saques: sem reference_no do Iris o saque fica pending.
func (p *MidtransProvider) QueryStatus(_ context.Context, q StatusQuery) (Outcome, error) {
	if q.Type == domain.TransactionTypeWithdrawal {
		if q.PayoutID == "" {
			return OutcomePending, nil
		}
		details, merr := p.iris.GetPayoutDetails(q.PayoutID)
		if merr != nil {
			return OutcomePending, midtransError("iris payout details", merr)
		}
		return mapIrisStatus(details.Status), nil
	}

	status, merr := p.core.CheckTransaction(q.Reference)
	if merr != nil {
		if merr.StatusCode == http.StatusNotFound {
			return OutcomePending, fmt.Errorf("%w: %s", domain.ErrUnknownReference, q.Reference)
		}
		return OutcomePending, midtransError("core check transaction", merr)
	}
	return mapSnapStatus(status.TransactionStatus, status.FraudStatus), nil
}

type snapNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
}

type irisNotification struct {
	ReferenceNo string `json:"reference_no"`
	Status      string `json:"status"`
}

func (p *MidtransProvider) ParseCallback(header http.Header, body []byte) (*Callback, error) {
	if sig := header.Get(IrisSignatureHeader); sig != "" {
		return p.parseIris(sig, body)
	}

	var n snapNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("invalid midtrans notification: %w", err)
	}
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + p.serverKey))
	if p.serverKey == "" || !equalHex(n.SignatureKey, sum[:]) {
		return nil, domain.ErrInvalidSignature
	}
	return &Callback{Reference: n.OrderID, Outcome: mapSnapStatus(n.TransactionStatus, n.FraudStatus)}, nil
}

func (p *MidtransProvider) parseIris(sig string, body []byte) (*Callback, error) {
	sum := sha512.Sum512(append(append([]byte{}, body...), p.merchant...))
	if p.merchant == "" || !equalHex(sig, sum[:]) {
		return nil, domain.ErrInvalidSignature
	}

	var n irisNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("invalid iris notification: %w", err)
	}
	if n.ReferenceNo == "" {
		return nil, fmt.Errorf("%w: empty iris reference", domain.ErrUnknownReference)
	}
	return &Callback{PayoutID: n.ReferenceNo, Outcome: mapIrisStatus(n.Status)}, nil
}

func equalHex(got string, want []byte) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(hex.EncodeToString(want))) == 1
}

// mapSnapStatus segue a tabela de status da Midtrans
func mapSnapStatus(status, fraud string) Outcome {
	switch status {
	case "capture":
		if fraud == "accept" || fraud == "" {
			return OutcomeSuccess
		}
		if fraud == "deny" {
			return OutcomeFailure
		}
		return OutcomePending
	case "settlement":
		return OutcomeSuccess
	case "deny", "cancel", "expire", "failure":
		return OutcomeFailure
	default:
		return OutcomePending
	}
}

func mapIrisStatus(status string) Outcome {
	switch status {
	case "completed":
		return OutcomeSuccess
	case "failed", "rejected":
		return OutcomeFailure
	default:
		return OutcomePending
	}
}

func midtransError(op string, merr *midtrans.Error) error {
	if merr.StatusCode >= 400 && merr.StatusCode < 500 && merr.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: %d %s", domain.ErrPayoutRejected, op, merr.StatusCode, merr.Message)
	}
	return fmt.Errorf("%s: %d %s", op, merr.StatusCode, merr.Message)
}
