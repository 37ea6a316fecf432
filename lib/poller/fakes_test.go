package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fiffu/releasewatch/config"
	"github.com/fiffu/releasewatch/lib/models"
	"github.com/fiffu/releasewatch/lib/store"
	"github.com/fiffu/releasewatch/lib/upstream"
	"github.com/fiffu/releasewatch/senders"
)

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Poll.MinIntervalSecs = 300
	cfg.Poll.DefaultIntervalSecs = 3600
	cfg.Poll.TickSecs = 60
	cfg.Poll.Concurrency = 5
	cfg.Poll.CheckTimeoutSecs = 5
	cfg.Poll.DefaultBackoffSecs = 300
	return cfg
}

func newTestPoller(st store.Store, client upstream.Client, registry senders.Registry) *Poller {
	return newPoller(newTestConfig(), zap.NewNop(), st, client, registry, upstream.NewBudgets())
}

// memStore is an in-memory store.Store for exercising the check state
// machine without a database.
type memStore struct {
	mu       sync.Mutex
	states   map[models.RepoRef]models.RepoState
	subs     []models.Subscription
	failures []models.DeliveryFailure

	// putFailures makes the next N PutState calls fail, to exercise the
	// durable-commit retry path.
	putFailures int
	putAttempts int
}

func newMemStore() *memStore {
	return &memStore{states: map[models.RepoRef]models.RepoState{}}
}

func (m *memStore) GetState(_ context.Context, ref models.RepoRef) (*models.RepoState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[ref]; ok {
		copied := state
		return &copied, nil
	}
	return nil, nil
}

func (m *memStore) PutState(_ context.Context, state *models.RepoState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putAttempts++
	if m.putFailures > 0 {
		m.putFailures--
		return errDiskFull
	}
	existing := m.states[state.Ref()]
	existing.Provider = state.Provider
	existing.Owner = state.Owner
	existing.Name = state.Name
	existing.ReleaseID = state.ReleaseID
	existing.TagName = state.TagName
	existing.ObservedAt = state.ObservedAt
	existing.LastCheckedAt = state.LastCheckedAt
	m.states[state.Ref()] = existing
	return nil
}

func (m *memStore) TouchChecked(_ context.Context, ref models.RepoRef, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[ref]
	state.Provider, state.Owner, state.Name = ref.Provider, ref.Owner, ref.Name
	state.LastCheckedAt.Time, state.LastCheckedAt.Valid = at, true
	m.states[ref] = state
	return nil
}

func (m *memStore) SetBackoff(_ context.Context, ref models.RepoRef, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[ref]
	state.Provider, state.Owner, state.Name = ref.Provider, ref.Owner, ref.Name
	state.BackoffUntil.Time, state.BackoffUntil.Valid = until, true
	m.states[ref] = state
	return nil
}

func (m *memStore) ListTrackedRepos(_ context.Context) ([]store.TrackedRepo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRef := map[models.RepoRef]*store.TrackedRepo{}
	for _, sub := range m.subs {
		ref := sub.Ref()
		t, ok := byRef[ref]
		if !ok {
			t = &store.TrackedRepo{Ref: ref, IntervalSeconds: sub.IntervalSeconds}
			byRef[ref] = t
		}
		if sub.IntervalSeconds < t.IntervalSeconds {
			t.IntervalSeconds = sub.IntervalSeconds
		}
		if sub.CredentialRef != "" {
			t.CredentialRef = sub.CredentialRef
		}
	}
	tracked := make([]store.TrackedRepo, 0, len(byRef))
	for ref, t := range byRef {
		if state, ok := m.states[ref]; ok {
			t.LastCheckedAt = state.LastCheckedAt
			t.BackoffUntil = state.BackoffUntil
		}
		tracked = append(tracked, *t)
	}
	return tracked, nil
}

func (m *memStore) GetTrackedRepo(ctx context.Context, ref models.RepoRef) (*store.TrackedRepo, error) {
	tracked, err := m.ListTrackedRepos(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tracked {
		if tracked[i].Ref == ref {
			return &tracked[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListSubscriptions(_ context.Context, ref models.RepoRef) (models.Subscriptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out models.Subscriptions
	for _, sub := range m.subs {
		if sub.Ref() == ref {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memStore) ListSubscriberSubscriptions(_ context.Context, subscriberID string) (models.Subscriptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out models.Subscriptions
	for _, sub := range m.subs {
		if sub.SubscriberID == subscriberID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *memStore) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.subs {
		if m.subs[i].SubscriberID == sub.SubscriberID && m.subs[i].Ref() == sub.Ref() {
			m.subs[i] = *sub
			return nil
		}
	}
	m.subs = append(m.subs, *sub)
	return nil
}

func (m *memStore) RemoveSubscription(_ context.Context, subscriberID string, ref models.RepoRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.subs {
		if m.subs[i].SubscriberID == subscriberID && m.subs[i].Ref() == ref {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) RecordDeliveryFailure(_ context.Context, failure *models.DeliveryFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, *failure)
	return nil
}

func (m *memStore) ListDeliveryFailures(_ context.Context, subscriberID string) (models.DeliveryFailures, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out models.DeliveryFailures
	for _, failure := range m.failures {
		if failure.SubscriberID == subscriberID {
			out = append(out, failure)
		}
	}
	return out, nil
}

// fakeClient replays scripted outcomes; the last one repeats.
type fakeClient struct {
	mu       sync.Mutex
	outcomes []upstream.Outcome
	fetches  int
	delay    time.Duration
}

func (c *fakeClient) FetchLatestRelease(ctx context.Context, _ models.RepoRef, credential string) (upstream.Outcome, error) {
	c.mu.Lock()
	i := c.fetches
	c.fetches++
	if i >= len(c.outcomes) {
		i = len(c.outcomes) - 1
	}
	outcome := c.outcomes[i]
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return upstream.Outcome{Kind: upstream.KindTransientErr, Err: ctx.Err()}, nil
		}
	}
	outcome.Authenticated = credential != ""
	return outcome, nil
}

func (c *fakeClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

type delivery struct {
	subscriberID string
	releaseID    string
}

type fakeSender struct {
	mu         sync.Mutex
	deliveries []delivery
	failFor    map[string]bool
}

func (s *fakeSender) SendRelease(_ context.Context, sub *models.Subscription, release *models.Release) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[sub.SubscriberID] {
		return "", errDeliveryRefused
	}
	s.deliveries = append(s.deliveries, delivery{sub.SubscriberID, release.ReleaseID})
	return "msg-1", nil
}

func (s *fakeSender) sent() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.deliveries...)
}
