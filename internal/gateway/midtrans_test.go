package gateway

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/midtrans/midtrans-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workme/wallet-escrow/internal/domain"
)

type midtransRoute struct {
	method string
	path   string
	status int
	body   string
}

// fakeMidtrans substitui o HttpClient dos clientes Snap, Core e Iris
type fakeMidtrans struct {
	mu     sync.Mutex
	routes []midtransRoute
	calls  []string
}

func (f *fakeMidtrans) Call(method string, url string, _ *string, _ *midtrans.ConfigOptions, _ io.Reader, result interface{}) *midtrans.Error {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+url)
	f.mu.Unlock()

	for _, r := range f.routes {
		if r.method != method || !strings.HasSuffix(url, r.path) {
			continue
		}
		if r.status >= http.StatusMultipleChoices {
			return &midtrans.Error{StatusCode: r.status, Message: r.body}
		}
		if err := json.Unmarshal([]byte(r.body), result); err != nil {
			return &midtrans.Error{StatusCode: http.StatusInternalServerError, Message: err.Error()}
		}
		return nil
	}
	return &midtrans.Error{StatusCode: http.StatusNotFound, Message: "not found"}
}

func (f *fakeMidtrans) count(method, suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, method+" ") && strings.HasSuffix(c, suffix) {
			n++
		}
	}
	return n
}

func newFakeMidtrans(routes ...midtransRoute) (*MidtransProvider, *fakeMidtrans) {
	p := NewMidtransProvider(MidtransConfig{ServerKey: "SB-server", IrisKey: "iris-key", MerchantKey: "merchant"})
	fake := &fakeMidtrans{routes: routes}
	p.snap.HttpClient = fake
	p.core.HttpClient = fake
	p.iris.HttpClient = fake
	return p, fake
}

func irisSignature(body []byte, merchant string) string {
	sum := sha512.Sum512(append(append([]byte{}, body...), merchant...))
	return hex.EncodeToString(sum[:])
}

func TestMidtransProvider_RequestPayout(t *testing.T) {
	p, fake := newFakeMidtrans(midtransRoute{
		method: http.MethodPost,
		path:   "/api/v1/payouts",
		status: http.StatusCreated,
		body:   `{"payouts":[{"status":"queued","reference_no":"iris-1"}]}`,
	})
	require.False(t, p.IdempotentPayouts())

	payout, err := p.RequestPayout(context.Background(), PayoutRequest{Reference: "wd-1", UserID: "u1", Amount: 3000, PixKey: "u1@pix"})

	require.NoError(t, err)
	assert.Equal(t, OutcomePending, payout.Outcome)
	assert.Equal(t, "iris-1", payout.ProviderID)
	assert.Equal(t, 1, fake.count(http.MethodPost, "/api/v1/payouts"))
}

func TestMidtransProvider_RequestPayoutRejected(t *testing.T) {
	p, _ := newFakeMidtrans(midtransRoute{
		method: http.MethodPost,
		path:   "/api/v1/payouts",
		status: http.StatusBadRequest,
		body:   "invalid beneficiary",
	})

	_, err := p.RequestPayout(context.Background(), PayoutRequest{Reference: "wd-1", Amount: 3000, PixKey: "nope"})

	assert.ErrorIs(t, err, domain.ErrPayoutRejected)
}

func TestMidtransProvider_QueryStatus(t *testing.T) {
	p, fake := newFakeMidtrans(
		midtransRoute{method: http.MethodGet, path: "/v2/dep-paid/status", status: http.StatusOK, body: `{"transaction_status":"settlement"}`},
		midtransRoute{method: http.MethodGet, path: "/api/v1/payouts/iris-1", status: http.StatusOK, body: `{"status":"completed"}`},
	)
	ctx := context.Background()

	outcome, err := p.QueryStatus(ctx, StatusQuery{Reference: "dep-paid", Type: domain.TransactionTypeDeposit})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	_, err = p.QueryStatus(ctx, StatusQuery{Reference: "dep-missing", Type: domain.TransactionTypeDeposit})
	assert.ErrorIs(t, err, domain.ErrUnknownReference)

	outcome, err = p.QueryStatus(ctx, StatusQuery{Reference: "wd-1", Type: domain.TransactionTypeWithdrawal, PayoutID: "iris-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)

	t.Run("withdrawal without payout id never reaches core api", func(t *testing.T) {
		outcome, err := p.QueryStatus(ctx, StatusQuery{Reference: "wd-2", Type: domain.TransactionTypeWithdrawal})
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, outcome)
		assert.Zero(t, fake.count(http.MethodGet, "/v2/wd-2/status"))
	})
}

func TestMidtransProvider_ParseCallback(t *testing.T) {
	p := NewMidtransProvider(MidtransConfig{ServerKey: "SB-server", MerchantKey: "merchant"})

	sum := sha512.Sum512([]byte("dep-1" + "200" + "80.00" + "SB-server"))
	body, err := json.Marshal(snapNotification{
		OrderID:           "dep-1",
		StatusCode:        "200",
		GrossAmount:       "80.00",
		SignatureKey:      hex.EncodeToString(sum[:]),
		TransactionStatus: "settlement",
	})
	require.NoError(t, err)

	cb, err := p.ParseCallback(http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, "dep-1", cb.Reference)
	assert.Equal(t, OutcomeSuccess, cb.Outcome)

	bad, err := json.Marshal(snapNotification{OrderID: "dep-1", StatusCode: "200", GrossAmount: "80.00", SignatureKey: "00"})
	require.NoError(t, err)
	_, err = p.ParseCallback(http.Header{}, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestMidtransProvider_ParseIrisCallback(t *testing.T) {
	p := NewMidtransProvider(MidtransConfig{ServerKey: "SB-server", MerchantKey: "merchant"})
	body := []byte(`{"reference_no":"iris-1","status":"failed"}`)

	h := http.Header{}
	h.Set(IrisSignatureHeader, irisSignature(body, "merchant"))
	cb, err := p.ParseCallback(h, body)
	require.NoError(t, err)
	assert.Empty(t, cb.Reference)
	assert.Equal(t, "iris-1", cb.PayoutID)
	assert.Equal(t, OutcomeFailure, cb.Outcome)

	h.Set(IrisSignatureHeader, irisSignature(body, "other"))
	_, err = p.ParseCallback(h, body)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestMidtransWithdrawal_TimeoutStaysPendingThroughReconcile(t *testing.T) {
	p, fake := newFakeMidtrans(
		midtransRoute{method: http.MethodPost, path: "/api/v1/payouts", status: http.StatusGatewayTimeout, body: "gateway timeout"},
		midtransRoute{method: http.MethodGet, path: "/status", status: http.StatusNotFound, body: "transaction not found"},
	)
	f := newFixtureWith(t, p)
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	pending, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, pending.Status)
	assert.Equal(t, domain.Amount(7000), f.balance(t, "u1"))
	assert.Equal(t, 1, fake.count(http.MethodPost, "/api/v1/payouts"))

	got, err := f.adapter.Reconcile(ctx, pending)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := f.ledger.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, stored.Status)
	assert.Equal(t, domain.Amount(7000), f.balance(t, "u1"))
	assert.Zero(t, fake.count(http.MethodGet, "/status"))
	f.assertConserved(t, "u1")
}

func TestMidtransWithdrawal_IrisWebhookSettlesByPayoutID(t *testing.T) {
	p, _ := newFakeMidtrans(midtransRoute{
		method: http.MethodPost,
		path:   "/api/v1/payouts",
		status: http.StatusCreated,
		body:   `{"payouts":[{"status":"queued","reference_no":"iris-42"}]}`,
	})
	f := newFixtureWith(t, p)
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	pending, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})
	require.NoError(t, err)
	require.NotNil(t, pending.PayoutReference)
	assert.Equal(t, "iris-42", *pending.PayoutReference)

	body := []byte(`{"reference_no":"iris-42","status":"completed"}`)
	h := http.Header{}
	h.Set(IrisSignatureHeader, irisSignature(body, "merchant"))

	done, applied, err := f.adapter.HandleWebhook(ctx, h, body)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, pending.ID, done.ID)
	assert.Equal(t, domain.TransactionStatusCompleted, done.Status)
	assert.Equal(t, domain.Amount(7000), f.balance(t, "u1"))
	f.assertConserved(t, "u1")
}

func TestMapSnapStatus(t *testing.T) {
	tests := []struct {
		status, fraud string
		want          Outcome
	}{
		{"capture", "accept", OutcomeSuccess},
		{"capture", "challenge", OutcomePending},
		{"settlement", "", OutcomeSuccess},
		{"pending", "", OutcomePending},
		{"deny", "", OutcomeFailure},
		{"expire", "", OutcomeFailure},
		{"cancel", "", OutcomeFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapSnapStatus(tt.status, tt.fraud), tt.status+"/"+tt.fraud)
	}
}
