// Package poller drives the release check loop: it decides which tracked
// repositories are due, runs each check as an independent unit of work
// under a global concurrency ceiling, and guarantees that no two checks of
// the same repository ever overlap.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fiffu/releasewatch/config"
	"github.com/fiffu/releasewatch/lib/models"
	"github.com/fiffu/releasewatch/lib/store"
	"github.com/fiffu/releasewatch/lib/upstream"
	"github.com/fiffu/releasewatch/senders"
)

type Poller struct {
	cfg     *config.Config
	log     *zap.Logger
	store   store.Store
	client  upstream.Client
	senders senders.Registry
	budgets *upstream.Budgets

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sem bounds how many checks run concurrently so a cold start with many
	// due repositories does not burst the outbound budget.
	sem chan struct{}

	mu       sync.Mutex
	inflight map[models.RepoRef]*inflightCheck
}

// inflightCheck is the single-owner slot for one repository. A second
// trigger for the same repository coalesces onto done instead of fetching.
type inflightCheck struct {
	done chan struct{}
}

func NewPoller(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	st store.Store,
	client upstream.Client,
	registry senders.Registry,
	budgets *upstream.Budgets,
) *Poller {
	p := newPoller(cfg, log, st, client, registry, budgets)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Sugar().Info("Trying to stop poller")
			p.Stop()
			return nil
		},
	})

	return p
}

func newPoller(
	cfg *config.Config,
	log *zap.Logger,
	st store.Store,
	client upstream.Client,
	registry senders.Registry,
	budgets *upstream.Budgets,
) *Poller {
	concurrency := cfg.Poll.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	return &Poller{
		cfg:      cfg,
		log:      log,
		store:    st,
		client:   client,
		senders:  registry,
		budgets:  budgets,
		sem:      make(chan struct{}, concurrency),
		inflight: map[models.RepoRef]*inflightCheck{},
	}
}

func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.TickInterval())
		defer ticker.Stop()

		p.runDue(ctx)
		for {
			select {
			case <-ticker.C:
				p.runDue(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Sugar().Info("Poller stopped")
}

// runDue enumerates tracked repositories and dispatches every due one. A
// slow or stalled check never blocks discovery of the next due repository.
func (p *Poller) runDue(ctx context.Context) {
	now := time.Now().UTC()

	tracked, err := p.store.ListTrackedRepos(ctx)
	if err != nil {
		p.log.Sugar().Errorw("Failed to list tracked repositories", "err", err)
		return
	}

	dispatched := 0
	for _, t := range tracked {
		if !p.due(t, now) {
			continue
		}
		dispatched++
		p.wg.Add(1)
		go func(t store.TrackedRepo) {
			defer p.wg.Done()
			p.runCheck(ctx, t)
		}(t)
	}

	if dispatched > 0 {
		p.log.Sugar().Infow(fmt.Sprintf("Dispatched %d release checks", dispatched), "tracked", len(tracked))
	}
}

func (p *Poller) due(t store.TrackedRepo, now time.Time) bool {
	if t.BackoffUntil.Valid && now.Before(t.BackoffUntil.Time) {
		return false
	}
	hasCredential := p.cfg.UpstreamToken(t.Ref.Provider, t.CredentialRef) != ""
	if !hasCredential && now.Before(p.budgets.UnauthBackoffUntil()) {
		return false
	}
	if !t.LastCheckedAt.Valid {
		return true
	}
	return !now.Before(t.LastCheckedAt.Time.Add(t.EffectiveInterval()))
}

// CheckNow runs one immediate check for ref, bypassing interval eligibility
// but not rate-limit backoff. If a check for ref is already in flight it
// waits for that one instead of starting another.
func (p *Poller) CheckNow(ctx context.Context, ref models.RepoRef) error {
	t, err := p.store.GetTrackedRepo(ctx, ref)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.BackoffUntil.Valid && now.Before(t.BackoffUntil.Time) {
		return fmt.Errorf("%s is rate limited until %s", ref.String(), t.BackoffUntil.Time.Format(time.RFC3339))
	}
	hasCredential := p.cfg.UpstreamToken(ref.Provider, t.CredentialRef) != ""
	if until := p.budgets.UnauthBackoffUntil(); !hasCredential && now.Before(until) {
		return fmt.Errorf("unauthenticated budget is rate limited until %s", until.Format(time.RFC3339))
	}

	p.runCheck(ctx, *t)
	return nil
}

// runCheck is the mutual-exclusion gate: per repository, checks are
// strictly sequential. Overlapping triggers coalesce onto the in-flight
// check's completion.
func (p *Poller) runCheck(ctx context.Context, t store.TrackedRepo) {
	p.mu.Lock()
	if in, ok := p.inflight[t.Ref]; ok {
		p.mu.Unlock()
		select {
		case <-in.done:
		case <-ctx.Done():
		}
		return
	}
	in := &inflightCheck{done: make(chan struct{})}
	p.inflight[t.Ref] = in
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, t.Ref)
		p.mu.Unlock()
		close(in.done)
	}()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.sem }()

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout())
	defer cancel()

	p.check(checkCtx, t)
}
