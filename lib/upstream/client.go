// Package upstream fetches latest-release metadata from GitHub- and
// GitLab-shaped APIs behind one uniform interface.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fiffu/releasewatch/config"
	"github.com/fiffu/releasewatch/lib/models"
)

type OutcomeKind int

const (
	// KindRelease means the latest release was fetched successfully.
	KindRelease OutcomeKind = iota
	// KindNotFound covers repositories with no releases, renamed
	// repositories, and private ones without a credential. It is a normal
	// outcome, not an error.
	KindNotFound
	// KindRateLimited carries a RetryAfter hint; no fetch for the
	// repository may be issued before it elapses.
	KindRateLimited
	// KindTransientErr covers timeouts, 5xx and connection failures. The
	// client performs no internal retry; the poller retries at the next
	// scheduled cycle.
	KindTransientErr
)

// Outcome is the result of one latest-release fetch. Authenticated reports
// which rate budget the call consumed, so the scheduler can back off the
// unauthenticated pool globally when it gets limited.
type Outcome struct {
	Kind          OutcomeKind
	Release       *models.Release
	RetryAfter    time.Duration
	Err           error
	Authenticated bool
}

type Client interface {
	FetchLatestRelease(ctx context.Context, ref models.RepoRef, credential string) (Outcome, error)
}

type client struct {
	cfg       *config.Config
	log       *zap.Logger
	transport http.RoundTripper
	budgets   *Budgets
}

func NewClient(cfg *config.Config, log *zap.Logger, transport http.RoundTripper, budgets *Budgets) Client {
	return &client{cfg, log, transport, budgets}
}

func (c *client) FetchLatestRelease(ctx context.Context, ref models.RepoRef, credential string) (Outcome, error) {
	authenticated := credential != ""
	if err := c.budgets.Wait(ctx, authenticated); err != nil {
		return Outcome{Kind: KindTransientErr, Err: err, Authenticated: authenticated}, nil
	}

	switch ref.Provider {
	case models.ProviderGithub:
		return c.fetchGithub(ctx, ref, credential), nil
	case models.ProviderGitlab:
		return c.fetchGitlab(ctx, ref, credential), nil
	default:
		return Outcome{}, fmt.Errorf("unsupported provider: %s", ref.Provider)
	}
}
