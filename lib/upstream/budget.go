package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// GitHub allows 5000 requests/hour with a token and 60/hour without; GitLab
// is in the same ballpark. The unauthenticated budget is shared across every
// repository without a credential, so it is paced well under the ceiling.
const (
	authEvery   = time.Second
	authBurst   = 10
	unauthEvery = time.Minute
	unauthBurst = 5
)

// Budgets paces outbound requests against the authenticated and
// unauthenticated rate pools, and tracks a process-wide backoff deadline
// for the unauthenticated pool.
type Budgets struct {
	auth   *rate.Limiter
	unauth *rate.Limiter

	// Unix nanos; updated with compare-and-swap so two checks hitting a
	// limit simultaneously never lose an extension.
	unauthBackoff atomic.Int64
}

func NewBudgets() *Budgets {
	return &Budgets{
		auth:   rate.NewLimiter(rate.Every(authEvery), authBurst),
		unauth: rate.NewLimiter(rate.Every(unauthEvery), unauthBurst),
	}
}

// Wait blocks until the budget admits one request, or the context expires.
func (b *Budgets) Wait(ctx context.Context, authenticated bool) error {
	if authenticated {
		return b.auth.Wait(ctx)
	}
	return b.unauth.Wait(ctx)
}

func (b *Budgets) UnauthBackoffUntil() time.Time {
	nanos := b.unauthBackoff.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// ExtendUnauthBackoff advances the pool-wide deadline; it never shortens it.
func (b *Budgets) ExtendUnauthBackoff(until time.Time) {
	nanos := until.UnixNano()
	for {
		current := b.unauthBackoff.Load()
		if current >= nanos {
			return
		}
		if b.unauthBackoff.CompareAndSwap(current, nanos) {
			return
		}
	}
}
