package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fiffu/releasewatch/lib/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "releasewatch_test.sqlite")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Subscription{},
		&models.RepoState{},
		&models.DeliveryFailure{},
	))
	return NewGormStore(db, zap.NewNop())
}

var widget = models.RepoRef{Provider: "github", Owner: "acme", Name: "widget"}

func widgetSubscription(subscriberID string, intervalSeconds int) *models.Subscription {
	return &models.Subscription{
		SubscriberID:       subscriberID,
		Provider:           widget.Provider,
		Owner:              widget.Owner,
		Name:               widget.Name,
		IntervalSeconds:    intervalSeconds,
		Platform:           "telegram",
		PlatformIdentifier: "1000",
	}
}

func TestStateRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	state, err := st.GetState(ctx, widget)
	require.NoError(t, err)
	assert.Nil(t, state)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.PutState(ctx, &models.RepoState{
		Provider:      widget.Provider,
		Owner:         widget.Owner,
		Name:          widget.Name,
		ReleaseID:     "100",
		TagName:       "v1.0",
		ObservedAt:    sql.NullTime{Time: now, Valid: true},
		LastCheckedAt: sql.NullTime{Time: now, Valid: true},
	}))

	state, err = st.GetState(ctx, widget)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "100", state.ReleaseID)
	assert.Equal(t, "v1.0", state.TagName)

	// A second put for the same ref updates in place.
	require.NoError(t, st.PutState(ctx, &models.RepoState{
		Provider:  widget.Provider,
		Owner:     widget.Owner,
		Name:      widget.Name,
		ReleaseID: "101",
		TagName:   "v1.1",
	}))
	state, err = st.GetState(ctx, widget)
	require.NoError(t, err)
	assert.Equal(t, "101", state.ReleaseID)
}

func TestTouchCheckedWithoutBaseline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.TouchChecked(ctx, widget, at))

	state, err := st.GetState(ctx, widget)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Empty(t, state.ReleaseID)
	assert.True(t, state.LastCheckedAt.Valid)

	// Touching again must not clobber an existing baseline.
	require.NoError(t, st.PutState(ctx, &models.RepoState{
		Provider: widget.Provider, Owner: widget.Owner, Name: widget.Name, ReleaseID: "100",
	}))
	require.NoError(t, st.TouchChecked(ctx, widget, at.Add(time.Minute)))
	state, err = st.GetState(ctx, widget)
	require.NoError(t, err)
	assert.Equal(t, "100", state.ReleaseID)
}

func TestSetBackoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second)
	require.NoError(t, st.SetBackoff(ctx, widget, until))

	state, err := st.GetState(ctx, widget)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.BackoffUntil.Valid)
}

func TestUpsertSubscription(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("alice", 3600)))
	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("alice", 7200)))

	subs, err := st.ListSubscriberSubscriptions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1, "same subscriber and repo must upsert, not duplicate")
	assert.Equal(t, 7200, subs[0].IntervalSeconds)
}

func TestEffectiveIntervalIsMinimum(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("alice", 6*3600)))
	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("bob", 24*3600)))

	tracked, err := st.ListTrackedRepos(ctx)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, 6*time.Hour, tracked[0].EffectiveInterval())

	one, err := st.GetTrackedRepo(ctx, widget)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, one.EffectiveInterval())
}

func TestRemoveSubscription(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("alice", 3600)))
	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("bob", 3600)))
	require.NoError(t, st.PutState(ctx, &models.RepoState{
		Provider: widget.Provider, Owner: widget.Owner, Name: widget.Name, ReleaseID: "100",
	}))

	require.NoError(t, st.RemoveSubscription(ctx, "alice", widget))
	state, err := st.GetState(ctx, widget)
	require.NoError(t, err)
	assert.NotNil(t, state, "state survives while other subscribers remain")

	require.NoError(t, st.RemoveSubscription(ctx, "bob", widget))
	state, err = st.GetState(ctx, widget)
	require.NoError(t, err)
	assert.Nil(t, state, "state is dropped with the last subscription")

	assert.ErrorIs(t, st.RemoveSubscription(ctx, "alice", widget), ErrNotFound)
}

func TestRetrackAfterRemove(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("alice", 3600)))
	require.NoError(t, st.PutState(ctx, &models.RepoState{
		Provider: widget.Provider, Owner: widget.Owner, Name: widget.Name, ReleaseID: "100",
	}))
	require.NoError(t, st.RemoveSubscription(ctx, "alice", widget))

	// Re-tracking the same repo must leave the subscriber fully active, not
	// resurrect a soft-deleted row behind the unique index.
	require.NoError(t, st.UpsertSubscription(ctx, widgetSubscription("alice", 3600)))

	subs, err := st.ListSubscriberSubscriptions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1, "re-tracked subscription must be active")

	subs, err = st.ListSubscriptions(ctx, widget)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	tracked, err := st.ListTrackedRepos(ctx)
	require.NoError(t, err)
	assert.Len(t, tracked, 1)

	// And a fresh baseline must be readable again.
	require.NoError(t, st.PutState(ctx, &models.RepoState{
		Provider: widget.Provider, Owner: widget.Owner, Name: widget.Name, ReleaseID: "105",
	}))
	state, err := st.GetState(ctx, widget)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "105", state.ReleaseID)
}

func TestGetTrackedRepoUnknown(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetTrackedRepo(context.Background(), widget)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliveryFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.RecordDeliveryFailure(ctx, &models.DeliveryFailure{
		FailureID: "f-1", SubscriberID: "alice", Provider: "github", Owner: "acme", Name: "widget",
		ReleaseID: "101", Reason: "chat not found", FailedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, st.RecordDeliveryFailure(ctx, &models.DeliveryFailure{
		FailureID: "f-2", SubscriberID: "alice", Provider: "github", Owner: "acme", Name: "widget",
		ReleaseID: "102", Reason: "chat not found", FailedAt: now,
	}))
	require.NoError(t, st.RecordDeliveryFailure(ctx, &models.DeliveryFailure{
		FailureID: "f-3", SubscriberID: "bob", Provider: "github", Owner: "acme", Name: "widget",
		ReleaseID: "101", Reason: "blocked", FailedAt: now,
	}))

	failures, err := st.ListDeliveryFailures(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "102", failures[0].ReleaseID, "newest first")
}
