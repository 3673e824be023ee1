package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/events"
	"github.com/workme/wallet-escrow/internal/ledger"
	"github.com/workme/wallet-escrow/internal/notify"
	"github.com/workme/wallet-escrow/internal/storage"
	"github.com/workme/wallet-escrow/internal/storage/memory"
	"github.com/workme/wallet-escrow/internal/wallet"
)

type MockProvider struct {
	mock.Mock
	nonIdempotent bool
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) IdempotentPayouts() bool { return !m.nonIdempotent }

func (m *MockProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*PaymentIntent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentIntent), args.Error(1)
}

func (m *MockProvider) RequestPayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Payout), args.Error(1)
}

func (m *MockProvider) QueryStatus(ctx context.Context, q StatusQuery) (Outcome, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(Outcome), args.Error(1)
}

func queryFor(reference string) interface{} {
	return mock.MatchedBy(func(q StatusQuery) bool { return q.Reference == reference })
}

func (m *MockProvider) ParseCallback(header http.Header, body []byte) (*Callback, error) {
	args := m.Called(header, body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Callback), args.Error(1)
}

type fixture struct {
	store     *memory.Store
	wallets   *wallet.Service
	ledger    *ledger.Service
	provider  *MockProvider
	adapter   *Adapter
	published *events.Recorder
	notified  *notify.Recorder
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		CallTimeout:     time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := new(MockProvider)
	f := newFixtureWith(t, provider)
	f.provider = provider
	return f
}

func newFixtureWith(t *testing.T, provider Provider) *fixture {
	t.Helper()
	store := memory.NewStore()
	logger := zap.NewNop()
	f := &fixture{
		store:     store,
		wallets:   wallet.NewService(store, "", logger, nil),
		ledger:    ledger.NewService(store, logger),
		published: &events.Recorder{},
		notified:  &notify.Recorder{},
	}
	f.adapter = NewAdapter(store, f.wallets, f.ledger, provider, logger,
		WithRetryPolicy(fastPolicy()),
		WithPublisher(f.published),
		WithNotifier(f.notified),
	)
	return f
}

func (f *fixture) fund(t *testing.T, userID string, amount domain.Amount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, storage.RunInTx(ctx, f.store, func(tx storage.Tx) error {
		if _, err := f.wallets.TryAdjust(ctx, tx, userID, amount, "deposit"); err != nil {
			return err
		}
		_, _, err := f.ledger.Record(ctx, tx, domain.NewTransaction(userID, amount, domain.TransactionTypeDeposit,
			domain.TransactionStatusCompleted, domain.PaymentMethodPix, "seed", time.Now()))
		return err
	}))
}

func (f *fixture) balance(t *testing.T, userID string) domain.Amount {
	t.Helper()
	w, err := f.wallets.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) assertConserved(t *testing.T, userID string) {
	t.Helper()
	report, err := f.ledger.Audit(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestInitiateDeposit_PendingUntilCallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.On("CreatePaymentIntent", mock.Anything, mock.MatchedBy(func(req IntentRequest) bool {
		return req.Amount == 5000 && req.Method == domain.PaymentMethodPix && req.UserID == "u1"
	})).Return(&PaymentIntent{Reference: "ignored", Payload: map[string]string{"qr_code": "000201"}}, nil).Once()

	dep, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 5000, Method: "pix"})
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionStatusPending, dep.Transaction.Status)
	assert.NotEmpty(t, dep.Transaction.Reference())
	assert.Equal(t, "000201", dep.Intent.Payload["qr_code"])
	assert.Equal(t, domain.Amount(0), f.balance(t, "u1"))

	settled, applied, err := f.adapter.HandleProviderCallback(ctx, dep.Transaction.Reference(), OutcomeSuccess)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TransactionStatusCompleted, settled.Status)
	assert.Equal(t, domain.Amount(5000), f.balance(t, "u1"))
	assert.Len(t, f.notified.For("u1"), 1)

	f.assertConserved(t, "u1")
	f.provider.AssertExpectations(t)
}

func TestHandleProviderCallback_DuplicateIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.On("CreatePaymentIntent", mock.Anything, mock.Anything).Return(&PaymentIntent{}, nil)
	dep, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 5000, Method: "credit_card"})
	require.NoError(t, err)
	ref := dep.Transaction.Reference()

	_, applied, err := f.adapter.HandleProviderCallback(ctx, ref, OutcomeSuccess)
	require.NoError(t, err)
	require.True(t, applied)

	for _, outcome := range []Outcome{OutcomeSuccess, OutcomeSuccess, OutcomeFailure} {
		t2, applied, err := f.adapter.HandleProviderCallback(ctx, ref, outcome)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, domain.TransactionStatusCompleted, t2.Status)
	}

	assert.Equal(t, domain.Amount(5000), f.balance(t, "u1"))
	assert.Len(t, f.notified.For("u1"), 1)
	f.assertConserved(t, "u1")
}

func TestHandleProviderCallback_DepositFailureMovesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.On("CreatePaymentIntent", mock.Anything, mock.Anything).Return(&PaymentIntent{}, nil)
	dep, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 5000, Method: "pix"})
	require.NoError(t, err)

	failed, applied, err := f.adapter.HandleProviderCallback(ctx, dep.Transaction.Reference(), OutcomeFailure)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TransactionStatusFailed, failed.Status)
	assert.Equal(t, domain.Amount(0), f.balance(t, "u1"))
	f.assertConserved(t, "u1")
}

func TestHandleProviderCallback_PendingOutcomeIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.On("CreatePaymentIntent", mock.Anything, mock.Anything).Return(&PaymentIntent{}, nil)
	dep, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 5000, Method: "pix"})
	require.NoError(t, err)

	current, applied, err := f.adapter.HandleProviderCallback(ctx, dep.Transaction.Reference(), OutcomePending)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.TransactionStatusPending, current.Status)
}

func TestHandleProviderCallback_UnknownReference(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.adapter.HandleProviderCallback(context.Background(), "dep-missing", OutcomeSuccess)

	assert.ErrorIs(t, err, domain.ErrUnknownReference)
}

func TestInitiateDeposit_InvalidMethod(t *testing.T) {
	f := newFixture(t)

	_, err := f.adapter.InitiateDeposit(context.Background(), DepositRequest{UserID: "u1", Amount: 5000, Method: "boleto"})

	assert.ErrorIs(t, err, domain.ErrInvalidPaymentMethod)
	f.provider.AssertNotCalled(t, "CreatePaymentIntent", mock.Anything, mock.Anything)
}

func TestInitiateDeposit_ProviderUnavailableLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.On("CreatePaymentIntent", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 5000, Method: "pix"})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	f.provider.AssertNumberOfCalls(t, "CreatePaymentIntent", 3)

	pending, err := f.store.ListPending(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.TransactionTypeDeposit, pending[0].Type)
}

func TestInitiateWithdrawal_RejectedRestoresBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	f.provider.On("RequestPayout", mock.Anything, mock.MatchedBy(func(req PayoutRequest) bool {
		return req.Amount == 3000 && req.PixKey == "u1@pix"
	})).Return(&Payout{Outcome: OutcomeFailure}, domain.ErrPayoutRejected).Once()

	failed, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})

	assert.ErrorIs(t, err, domain.ErrPayoutRejected)
	require.NotNil(t, failed)
	assert.Equal(t, domain.TransactionStatusFailed, failed.Status)
	assert.Equal(t, domain.Amount(-3000), failed.Amount)
	assert.Equal(t, domain.Amount(10000), f.balance(t, "u1"))
	assert.Len(t, f.notified.For("u1"), 1)
	f.assertConserved(t, "u1")
	f.provider.AssertExpectations(t)
}

func TestInitiateWithdrawal_ProviderUnavailableStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	f.provider.On("RequestPayout", mock.Anything, mock.Anything).Return(nil, errors.New("503 service unavailable"))

	pending, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, pending.Status)
	f.provider.AssertNumberOfCalls(t, "RequestPayout", 3)
	assert.Equal(t, domain.Amount(7000), f.balance(t, "u1"))
	f.assertConserved(t, "u1")

	_, applied, err := f.adapter.HandleProviderCallback(ctx, pending.Reference(), OutcomeFailure)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.Amount(10000), f.balance(t, "u1"))
	f.assertConserved(t, "u1")
}

func TestInitiateWithdrawal_SuccessCallbackCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	f.provider.On("RequestPayout", mock.Anything, mock.Anything).Return(&Payout{Outcome: OutcomePending}, nil)

	pending, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})
	require.NoError(t, err)

	done, applied, err := f.adapter.HandleProviderCallback(ctx, pending.Reference(), OutcomeSuccess)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TransactionStatusCompleted, done.Status)
	assert.Equal(t, domain.Amount(7000), f.balance(t, "u1"))
	f.assertConserved(t, "u1")
}

func TestInitiateWithdrawal_NonIdempotentProviderTriesOnce(t *testing.T) {
	f := newFixture(t)
	f.provider.nonIdempotent = true
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	f.provider.On("RequestPayout", mock.Anything, mock.Anything).Return(nil, errors.New("504 gateway timeout"))

	pending, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusPending, pending.Status)
	assert.Equal(t, domain.Amount(7000), f.balance(t, "u1"))
	f.provider.AssertNumberOfCalls(t, "RequestPayout", 1)
	f.assertConserved(t, "u1")
}

func TestInitiateWithdrawal_PayoutIDResolvesWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	f.provider.On("RequestPayout", mock.Anything, mock.Anything).Return(&Payout{Outcome: OutcomePending, ProviderID: "iris-77"}, nil)
	f.provider.On("ParseCallback", mock.Anything, mock.Anything).Return(&Callback{PayoutID: "iris-77", Outcome: OutcomeFailure}, nil)

	pending, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})
	require.NoError(t, err)
	require.NotNil(t, pending.PayoutReference)
	assert.Equal(t, "iris-77", *pending.PayoutReference)

	stored, err := f.store.GetTransactionByPayoutReference(ctx, "iris-77")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, stored.ID)

	failed, applied, err := f.adapter.HandleWebhook(ctx, http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.TransactionStatusFailed, failed.Status)
	assert.Equal(t, domain.Amount(10000), f.balance(t, "u1"))
	f.assertConserved(t, "u1")
}

func TestHandleWebhook_UnknownPayoutID(t *testing.T) {
	f := newFixture(t)
	f.provider.On("ParseCallback", mock.Anything, mock.Anything).Return(&Callback{PayoutID: "iris-missing", Outcome: OutcomeSuccess}, nil)

	_, _, err := f.adapter.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))

	assert.ErrorIs(t, err, domain.ErrUnknownReference)
}

func TestReconcile_WithdrawalQueryCarriesPayoutID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 10000)

	f.provider.On("RequestPayout", mock.Anything, mock.Anything).Return(&Payout{Outcome: OutcomePending, ProviderID: "iris-9"}, nil)
	pending, err := f.adapter.InitiateWithdrawal(ctx, WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})
	require.NoError(t, err)

	f.provider.On("QueryStatus", mock.Anything, StatusQuery{
		Reference: pending.Reference(),
		Type:      domain.TransactionTypeWithdrawal,
		PayoutID:  "iris-9",
	}).Return(OutcomeSuccess, nil).Once()

	done, err := f.adapter.Reconcile(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, done.Status)
	assert.Equal(t, domain.Amount(7000), f.balance(t, "u1"))
	f.provider.AssertExpectations(t)
}

func TestInitiateWithdrawal_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "u1", 2000)

	_, err := f.adapter.InitiateWithdrawal(context.Background(), WithdrawalRequest{UserID: "u1", Amount: 3000, PixKey: "u1@pix"})

	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.Amount(2000), f.balance(t, "u1"))
	f.provider.AssertNotCalled(t, "RequestPayout", mock.Anything, mock.Anything)
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	f.provider.On("ParseCallback", mock.Anything, mock.Anything).Return(nil, domain.ErrInvalidSignature)

	_, _, err := f.adapter.HandleWebhook(context.Background(), http.Header{}, []byte(`{}`))

	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.On("CreatePaymentIntent", mock.Anything, mock.Anything).Return(&PaymentIntent{}, nil)
	paid, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 5000, Method: "pix"})
	require.NoError(t, err)
	lost, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 1000, Method: "pix"})
	require.NoError(t, err)
	waiting, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 700, Method: "pix"})
	require.NoError(t, err)

	f.provider.On("QueryStatus", mock.Anything, queryFor(paid.Transaction.Reference())).Return(OutcomeSuccess, nil)
	f.provider.On("QueryStatus", mock.Anything, queryFor(lost.Transaction.Reference())).Return(OutcomePending, domain.ErrUnknownReference)
	f.provider.On("QueryStatus", mock.Anything, queryFor(waiting.Transaction.Reference())).Return(OutcomePending, nil)

	got, err := f.adapter.Reconcile(ctx, paid.Transaction)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, got.Status)

	got, err = f.adapter.Reconcile(ctx, lost.Transaction)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, got.Status)

	got, err = f.adapter.Reconcile(ctx, waiting.Transaction)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Equal(t, domain.Amount(5000), f.balance(t, "u1"))
	f.assertConserved(t, "u1")
}

func TestReconciler_SweepsPending(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.provider.On("CreatePaymentIntent", mock.Anything, mock.Anything).Return(&PaymentIntent{}, nil)
	dep, err := f.adapter.InitiateDeposit(ctx, DepositRequest{UserID: "u1", Amount: 5000, Method: "pix"})
	require.NoError(t, err)
	f.provider.On("QueryStatus", mock.Anything, queryFor(dep.Transaction.Reference())).Return(OutcomeSuccess, nil)

	r := NewReconciler(f.adapter, f.store, ReconcilerConfig{
		Interval:  5 * time.Millisecond,
		MinAge:    time.Nanosecond,
		BatchSize: 10,
		Workers:   2,
	}, zap.NewNop())
	r.Start(ctx)

	assert.Eventually(t, func() bool {
		w, err := f.wallets.Get(context.Background(), "u1")
		return err == nil && w.Balance == 5000
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	r.Wait()
	f.assertConserved(t, "u1")
}
