// Package store isolates all reads and writes of durable state behind one
// interface, so the backing medium is swappable without touching the
// poller's decision logic.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fiffu/releasewatch/lib/models"
)

// ErrNotFound is returned when a lookup names a subscription or repository
// the store has no record of.
var ErrNotFound = errors.New("record not found")

// TrackedRepo is the scheduler's view of one repository: its identity, the
// effective poll interval (minimum across active subscriptions), and the
// persisted check state.
type TrackedRepo struct {
	Ref             models.RepoRef
	IntervalSeconds int
	CredentialRef   string

	LastCheckedAt sql.NullTime
	BackoffUntil  sql.NullTime
}

func (t TrackedRepo) EffectiveInterval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

type Store interface {
	// GetState returns nil when the repository has no recorded state yet.
	GetState(ctx context.Context, ref models.RepoRef) (*models.RepoState, error)
	// PutState upserts the repository state; it must be durable before
	// returning, so a crash never reverts a commit that already triggered
	// notifications.
	PutState(ctx context.Context, state *models.RepoState) error
	// TouchChecked records a completed check without advancing the
	// last-seen release.
	TouchChecked(ctx context.Context, ref models.RepoRef, at time.Time) error
	SetBackoff(ctx context.Context, ref models.RepoRef, until time.Time) error

	ListTrackedRepos(ctx context.Context) ([]TrackedRepo, error)
	GetTrackedRepo(ctx context.Context, ref models.RepoRef) (*TrackedRepo, error)

	ListSubscriptions(ctx context.Context, ref models.RepoRef) (models.Subscriptions, error)
	ListSubscriberSubscriptions(ctx context.Context, subscriberID string) (models.Subscriptions, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	RemoveSubscription(ctx context.Context, subscriberID string, ref models.RepoRef) error

	RecordDeliveryFailure(ctx context.Context, failure *models.DeliveryFailure) error
	ListDeliveryFailures(ctx context.Context, subscriberID string) (models.DeliveryFailures, error)
}
