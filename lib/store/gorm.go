package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fiffu/releasewatch/lib/models"
)

type gormStore struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewGormStore(db *gorm.DB, log *zap.Logger) Store {
	return &gormStore{db, log}
}

var refColumns = []clause.Column{{Name: "provider"}, {Name: "owner"}, {Name: "name"}}

func refScope(ref models.RepoRef) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.
			Where("provider = ?", ref.Provider).
			Where("owner = ?", ref.Owner).
			Where("name = ?", ref.Name)
	}
}

func (s *gormStore) GetState(ctx context.Context, ref models.RepoRef) (*models.RepoState, error) {
	state := &models.RepoState{}
	tx := s.db.WithContext(ctx).Scopes(refScope(ref)).First(state)
	if err := tx.Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *gormStore) PutState(ctx context.Context, state *models.RepoState) error {
	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: refColumns,
			DoUpdates: clause.AssignmentColumns([]string{
				"release_id", "tag_name", "observed_at", "last_checked_at", "updated_at",
			}),
		}).
		Create(state)
	return tx.Error
}

func (s *gormStore) TouchChecked(ctx context.Context, ref models.RepoRef, at time.Time) error {
	state := &models.RepoState{
		Provider:      ref.Provider,
		Owner:         ref.Owner,
		Name:          ref.Name,
		LastCheckedAt: sql.NullTime{Time: at, Valid: true},
	}
	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   refColumns,
			DoUpdates: clause.AssignmentColumns([]string{"last_checked_at", "updated_at"}),
		}).
		Create(state)
	return tx.Error
}

func (s *gormStore) SetBackoff(ctx context.Context, ref models.RepoRef, until time.Time) error {
	state := &models.RepoState{
		Provider:     ref.Provider,
		Owner:        ref.Owner,
		Name:         ref.Name,
		BackoffUntil: sql.NullTime{Time: until, Valid: true},
	}
	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   refColumns,
			DoUpdates: clause.AssignmentColumns([]string{"backoff_until", "updated_at"}),
		}).
		Create(state)
	return tx.Error
}

type trackedRepoRow struct {
	Provider        string
	Owner           string
	Name            string
	IntervalSeconds int
	CredentialRef   string
}

func (s *gormStore) ListTrackedRepos(ctx context.Context) ([]TrackedRepo, error) {
	var rows []trackedRepoRow
	tx := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Select("provider, owner, name, MIN(interval_seconds) AS interval_seconds, MAX(credential_ref) AS credential_ref").
		Group("provider").Group("owner").Group("name").
		Scan(&rows)
	if err := tx.Error; err != nil {
		return nil, err
	}

	var states models.RepoStates
	tx = s.db.WithContext(ctx).Find(&states)
	if err := tx.Error; err != nil {
		return nil, err
	}
	stateByRef := make(map[models.RepoRef]models.RepoState, len(states))
	for _, state := range states {
		stateByRef[state.Ref()] = state
	}

	tracked := make([]TrackedRepo, 0, len(rows))
	for _, row := range rows {
		t := TrackedRepo{
			Ref:             models.RepoRef{Provider: row.Provider, Owner: row.Owner, Name: row.Name},
			IntervalSeconds: row.IntervalSeconds,
			CredentialRef:   row.CredentialRef,
		}
		if state, ok := stateByRef[t.Ref]; ok {
			t.LastCheckedAt = state.LastCheckedAt
			t.BackoffUntil = state.BackoffUntil
		}
		tracked = append(tracked, t)
	}
	return tracked, nil
}

func (s *gormStore) GetTrackedRepo(ctx context.Context, ref models.RepoRef) (*TrackedRepo, error) {
	var row trackedRepoRow
	tx := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Select("provider, owner, name, MIN(interval_seconds) AS interval_seconds, MAX(credential_ref) AS credential_ref").
		Scopes(refScope(ref)).
		Group("provider").Group("owner").Group("name").
		Scan(&row)
	if err := tx.Error; err != nil {
		return nil, err
	}
	if row.Provider == "" {
		return nil, ErrNotFound
	}

	t := &TrackedRepo{
		Ref:             ref,
		IntervalSeconds: row.IntervalSeconds,
		CredentialRef:   row.CredentialRef,
	}
	state, err := s.GetState(ctx, ref)
	if err != nil {
		return nil, err
	}
	if state != nil {
		t.LastCheckedAt = state.LastCheckedAt
		t.BackoffUntil = state.BackoffUntil
	}
	return t, nil
}

func (s *gormStore) ListSubscriptions(ctx context.Context, ref models.RepoRef) (models.Subscriptions, error) {
	var subs models.Subscriptions
	tx := s.db.WithContext(ctx).Scopes(refScope(ref)).Find(&subs)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *gormStore) ListSubscriberSubscriptions(ctx context.Context, subscriberID string) (models.Subscriptions, error) {
	var subs models.Subscriptions
	tx := s.db.WithContext(ctx).Where("subscriber_id = ?", subscriberID).Find(&subs)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *gormStore) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	tx := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "subscriber_id"}, {Name: "provider"}, {Name: "owner"}, {Name: "name"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"interval_seconds", "credential_ref", "platform", "platform_identifier", "updated_at",
			}),
		}).
		Create(sub)
	return tx.Error
}

func (s *gormStore) RemoveSubscription(ctx context.Context, subscriberID string, ref models.RepoRef) error {
	// Hard delete: a soft-deleted row would still occupy the unique index,
	// so re-tracking the same repo would upsert onto the dead row and the
	// subscription would stay invisible.
	tx := s.db.WithContext(ctx).
		Unscoped().
		Where("subscriber_id = ?", subscriberID).
		Scopes(refScope(ref)).
		Delete(&models.Subscription{})
	if err := tx.Error; err != nil {
		return err
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}

	// Drop the repository state once nobody tracks it anymore.
	var remaining int64
	tx = s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Scopes(refScope(ref)).
		Count(&remaining)
	if err := tx.Error; err != nil {
		return err
	}
	if remaining == 0 {
		tx = s.db.WithContext(ctx).Unscoped().Scopes(refScope(ref)).Delete(&models.RepoState{})
		return tx.Error
	}
	return nil
}

func (s *gormStore) RecordDeliveryFailure(ctx context.Context, failure *models.DeliveryFailure) error {
	tx := s.db.WithContext(ctx).Create(failure)
	return tx.Error
}

func (s *gormStore) ListDeliveryFailures(ctx context.Context, subscriberID string) (models.DeliveryFailures, error) {
	var failures models.DeliveryFailures
	tx := s.db.WithContext(ctx).
		Where("subscriber_id = ?", subscriberID).
		Order("failed_at desc").
		Find(&failures)
	if err := tx.Error; err != nil {
		return nil, err
	}
	return failures, nil
}
