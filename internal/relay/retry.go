package relay

import (
	"context"
	"errors"
	"time"

	"relaybot/internal/domain"

	"github.com/cenkalti/backoff/v5"
)

// maxRetryInterval caps the wait between two attempts of one delivery.
const maxRetryInterval = 10 * time.Second

var errEmptyID = errors.New("adapter returned an empty message id")

// retryPolicy returns a fresh exponential schedule starting at the hub's
// retry backoff: each wait is doubled and spread by half either way.
func (h *Hub) retryPolicy() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     h.retryBackoff,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         max(h.retryBackoff, maxRetryInterval),
	}
	b.Reset()
	return b
}

// deliver runs one outbound send or reply under the call timeout, retrying
// transient failures on the hub's retry policy.
func (h *Hub) deliver(ctx context.Context, a domain.Adapter, op string, call func(context.Context) (string, error)) (d delivery) {
	d = delivery{platform: a.Name(), op: op}
	start := time.Now()
	defer func() { d.elapsed = time.Since(start) }()

	attempt := func() (string, error) {
		d.attempts++
		callCtx, cancel := context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
		id, err := call(callCtx)
		switch {
		case err == nil && id == "":
			return "", backoff.Permanent(errEmptyID)
		case err != nil && !domain.IsRetryable(err):
			return "", backoff.Permanent(err)
		}
		return id, err
	}
	notify := func(err error, wait time.Duration) {
		h.logger.Warn("retrying relay", "target", d.platform, "op", op, "attempt", d.attempts+1, "backoff", wait, "err", err)
	}

	d.id, d.err = backoff.Retry(ctx, attempt,
		backoff.WithBackOff(h.retryPolicy()),
		backoff.WithMaxTries(uint(h.retryAttempts)+1),
		backoff.WithNotify(notify),
	)
	var perm *backoff.PermanentError
	if errors.As(d.err, &perm) {
		d.err = perm.Err
	}
	return d
}
