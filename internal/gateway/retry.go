package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/workme/wallet-escrow/internal/domain"
)

// RetryPolicy limita as tentativas contra o provedor
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// CallTimeout limita cada tentativa individualmente.
	CallTimeout time.Duration
}

// DefaultRetryPolicy é usada quando a configuração não define outra
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
		CallTimeout:     5 * time.Second,
	}
}

// once mantém timeouts e faz uma única tentativa
func (p RetryPolicy) once() RetryPolicy {
	p.MaxTries = 1
	return p
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrPayoutRejected) ||
		errors.Is(err, domain.ErrInvalidPaymentMethod) ||
		errors.Is(err, domain.ErrUnknownReference) ||
		errors.Is(err, domain.ErrInvalidAmount)
}

// retry executa op com backoff exponencial. Erros definitivos voltam na hora;
// esgotadas as tentativas o erro é embrulhado em ErrProviderUnavailable.
func retry[T any](ctx context.Context, p RetryPolicy, onRetry func(error, time.Duration), op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if p.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsedTime))
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}

	res, err := backoff.Retry(ctx, func() (T, error) {
		callCtx := ctx
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
			defer cancel()
		}
		v, err := op(callCtx)
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
	if err != nil && !permanent(err) {
		var zero T
		return zero, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return res, err
}
