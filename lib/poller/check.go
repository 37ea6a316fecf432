package poller

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/fiffu/releasewatch/lib/models"
	"github.com/fiffu/releasewatch/lib/store"
	"github.com/fiffu/releasewatch/lib/upstream"
)

// check runs the state machine for one repository: fetch, compare against
// the stored baseline, fan out, then commit. The commit happens strictly
// after fanout has been attempted for every subscriber, so a crash in
// between re-detects the release on the next cycle instead of losing it.
func (p *Poller) check(ctx context.Context, t store.TrackedRepo) {
	now := time.Now().UTC()
	credential := p.cfg.UpstreamToken(t.Ref.Provider, t.CredentialRef)

	outcome, err := p.client.FetchLatestRelease(ctx, t.Ref, credential)
	if err != nil {
		p.log.Sugar().Errorw("Fetch failed", "repo", t.Ref.String(), "err", err)
		p.touchChecked(ctx, t.Ref, now)
		return
	}

	switch outcome.Kind {
	case upstream.KindNotFound:
		p.touchChecked(ctx, t.Ref, now)

	case upstream.KindTransientErr:
		p.log.Sugar().Infow("Transient fetch error, retrying next cycle", "repo", t.Ref.String(), "err", outcome.Err)
		p.touchChecked(ctx, t.Ref, now)

	case upstream.KindRateLimited:
		until := now.Add(outcome.RetryAfter)
		p.log.Sugar().Infow("Rate limited", "repo", t.Ref.String(), "until", until)
		p.touchChecked(ctx, t.Ref, now)
		if err := p.store.SetBackoff(ctx, t.Ref, until); err != nil {
			p.log.Sugar().Errorw("Failed to persist backoff", "repo", t.Ref.String(), "err", err)
		}
		if !outcome.Authenticated {
			p.budgets.ExtendUnauthBackoff(until)
		}

	case upstream.KindRelease:
		p.handleRelease(ctx, t, outcome.Release, now)
	}
}

func (p *Poller) handleRelease(ctx context.Context, t store.TrackedRepo, release *models.Release, now time.Time) {
	state, err := p.store.GetState(ctx, t.Ref)
	if err != nil {
		// Leave LastCheckedAt untouched so the next tick retries.
		p.log.Sugar().Errorw("Failed to read repo state", "repo", t.Ref.String(), "err", err)
		return
	}

	if state == nil || state.ReleaseID == "" {
		// First-ever successful check: record a baseline without
		// notifying. A subscriber must never hear about a release that
		// predates their subscription.
		p.log.Sugar().Infof("Recorded baseline %s (%s) for %s", release.ReleaseID, release.TagName, t.Ref.String())
		p.commitState(ctx, t.Ref, release, now)
		return
	}

	if state.ReleaseID == release.ReleaseID {
		p.touchChecked(ctx, t.Ref, now)
		return
	}

	subs, err := p.store.ListSubscriptions(ctx, t.Ref)
	if err != nil {
		p.log.Sugar().Errorw("Failed to list subscriptions", "repo", t.Ref.String(), "err", err)
		return
	}

	p.log.Sugar().Infof("New release %s (%s) for %s, notifying %d subscribers",
		release.ReleaseID, release.TagName, t.Ref.String(), len(subs))

	for i := range subs {
		p.deliver(ctx, &subs[i], release)
	}

	p.commitState(ctx, t.Ref, release, now)
}

// deliver hands one notification to the subscriber's platform. A failure is
// recorded and surfaced to the subscriber-facing layer; it never blocks
// fanout to other subscribers and never prevents the state commit.
func (p *Poller) deliver(ctx context.Context, sub *models.Subscription, release *models.Release) {
	sender, ok := p.senders[sub.Platform]
	if !ok {
		p.recordFailure(ctx, sub, release, "unsupported notifier platform: "+sub.Platform)
		return
	}

	id, err := sender.SendRelease(ctx, sub, release)
	if err != nil {
		p.log.Sugar().Infow("Failed to send release notification",
			"subscriber", sub.SubscriberID, "repo", sub.Ref().String(), "err", err)
		p.recordFailure(ctx, sub, release, err.Error())
		return
	}
	p.log.Sugar().Infow("Sent release notification",
		"subscriber", sub.SubscriberID, "repo", sub.Ref().String(), "message_id", id)
}

func (p *Poller) recordFailure(ctx context.Context, sub *models.Subscription, release *models.Release, reason string) {
	failure := &models.DeliveryFailure{
		FailureID:    uuid.NewString(),
		SubscriberID: sub.SubscriberID,
		Provider:     sub.Provider,
		Owner:        sub.Owner,
		Name:         sub.Name,
		ReleaseID:    release.ReleaseID,
		TagName:      release.TagName,
		Reason:       reason,
		FailedAt:     time.Now().UTC(),
	}
	if err := p.store.RecordDeliveryFailure(ctx, failure); err != nil {
		p.log.Sugar().Errorw("Failed to record delivery failure", "subscriber", sub.SubscriberID, "err", err)
	}
}

// commitState durably advances the last-seen release. Store failures here
// are the one fatal case for a check cycle: without a durable commit the
// repository must not be considered checked, so the write is retried and,
// failing that, LastCheckedAt is left alone for the next cycle to redo the
// whole check.
func (p *Poller) commitState(ctx context.Context, ref models.RepoRef, release *models.Release, now time.Time) {
	state := &models.RepoState{
		Provider:      ref.Provider,
		Owner:         ref.Owner,
		Name:          ref.Name,
		ReleaseID:     release.ReleaseID,
		TagName:       release.TagName,
		ObservedAt:    sql.NullTime{Time: now, Valid: true},
		LastCheckedAt: sql.NullTime{Time: now, Valid: true},
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.store.PutState(ctx, state); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.log.Sugar().Errorw("Failed to commit release state", "repo", ref.String(), "err", err)
	}
}

func (p *Poller) touchChecked(ctx context.Context, ref models.RepoRef, at time.Time) {
	if err := p.store.TouchChecked(ctx, ref, at); err != nil {
		p.log.Sugar().Errorw("Failed to record check time", "repo", ref.String(), "err", err)
	}
}
