package lib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fiffu/releasewatch/config"
	"github.com/fiffu/releasewatch/lib/models"
	"github.com/fiffu/releasewatch/lib/store"
)

// ErrIntervalTooShort rejects sub-minimum poll intervals at subscription
// time, before they can starve the upstream rate budget.
var ErrIntervalTooShort = errors.New("poll interval below configured minimum")

// Checker triggers an immediate check of one repository, subject to the
// poller's mutual-exclusion and rate-limit gates.
type Checker interface {
	CheckNow(ctx context.Context, ref models.RepoRef) error
}

type Service struct {
	cfg     *config.Config
	log     *zap.Logger
	store   store.Store
	checker Checker
}

func NewService(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, st store.Store, checker Checker) *Service {
	return &Service{cfg, log, st, checker}
}

type TrackRequest struct {
	SubscriberID       string
	Provider           string
	Repo               string
	IntervalSeconds    int // 0 means the configured default
	CredentialRef      string
	Platform           string
	PlatformIdentifier string
}

// Track creates or updates a subscription, then runs a baseline check so
// the subscriber is never notified about a release that predates them.
func (svc *Service) Track(ctx context.Context, req TrackRequest) (*models.Subscription, error) {
	ref, err := models.ParseRepoRef(req.Provider, req.Repo)
	if err != nil {
		return nil, err
	}

	interval := req.IntervalSeconds
	if interval == 0 {
		interval = int(svc.cfg.DefaultInterval() / time.Second)
	}
	if err := svc.validateInterval(interval); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		SubscriberID:       req.SubscriberID,
		Provider:           ref.Provider,
		Owner:              ref.Owner,
		Name:               ref.Name,
		IntervalSeconds:    interval,
		CredentialRef:      req.CredentialRef,
		Platform:           req.Platform,
		PlatformIdentifier: req.PlatformIdentifier,
	}
	if err := svc.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	// Baseline check; tracking succeeds even when the upstream is briefly
	// unreachable, the poller will establish the baseline next cycle.
	if err := svc.checker.CheckNow(ctx, ref); err != nil {
		svc.log.Sugar().Infow("Baseline check failed", "repo", ref.String(), "err", err)
	}

	svc.log.Sugar().Infof("Subscriber %s now tracks %s every %ds", req.SubscriberID, ref.String(), interval)
	return sub, nil
}

func (svc *Service) Untrack(ctx context.Context, subscriberID, provider, repo string) error {
	ref, err := models.ParseRepoRef(provider, repo)
	if err != nil {
		return err
	}
	return svc.store.RemoveSubscription(ctx, subscriberID, ref)
}

func (svc *Service) SetInterval(ctx context.Context, subscriberID, provider, repo string, intervalSeconds int) error {
	ref, err := models.ParseRepoRef(provider, repo)
	if err != nil {
		return err
	}
	if err := svc.validateInterval(intervalSeconds); err != nil {
		return err
	}

	subs, err := svc.store.ListSubscriberSubscriptions(ctx, subscriberID)
	if err != nil {
		return err
	}
	for i := range subs {
		if subs[i].Ref() != ref {
			continue
		}
		subs[i].IntervalSeconds = intervalSeconds
		return svc.store.UpsertSubscription(ctx, &subs[i])
	}
	return store.ErrNotFound
}

func (svc *Service) ListSubscriptions(ctx context.Context, subscriberID string) (models.Subscriptions, error) {
	return svc.store.ListSubscriberSubscriptions(ctx, subscriberID)
}

// CheckNow triggers an immediate check of every repository the subscriber
// tracks, short-circuiting interval eligibility.
func (svc *Service) CheckNow(ctx context.Context, subscriberID string) (int, error) {
	subs, err := svc.store.ListSubscriberSubscriptions(ctx, subscriberID)
	if err != nil {
		return 0, err
	}

	checked := 0
	for i := range subs {
		if err := svc.checker.CheckNow(ctx, subs[i].Ref()); err != nil {
			svc.log.Sugar().Infow("Manual check failed", "repo", subs[i].Ref().String(), "err", err)
			continue
		}
		checked++
	}
	return checked, nil
}

// CheckRepo triggers an immediate check of one repository regardless of who
// subscribes to it.
func (svc *Service) CheckRepo(ctx context.Context, provider, repo string) error {
	ref, err := models.ParseRepoRef(provider, repo)
	if err != nil {
		return err
	}
	return svc.checker.CheckNow(ctx, ref)
}

func (svc *Service) ListDeliveryFailures(ctx context.Context, subscriberID string) (models.DeliveryFailures, error) {
	return svc.store.ListDeliveryFailures(ctx, subscriberID)
}

func (svc *Service) validateInterval(intervalSeconds int) error {
	if min := int(svc.cfg.MinInterval() / time.Second); intervalSeconds < min {
		return fmt.Errorf("%w: %ds < %ds", ErrIntervalTooShort, intervalSeconds, min)
	}
	return nil
}
