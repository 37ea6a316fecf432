package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscription is one subscriber's request to be notified about releases of
// one repository. Multiple subscribers may track the same repository at
// different intervals; the repository is polled at the minimum of those.
type Subscription struct {
	gorm.Model
	SubscriberID string `gorm:"uniqueIndex:idx_subscriber_repo"`
	Provider     string `gorm:"uniqueIndex:idx_subscriber_repo"`
	Owner        string `gorm:"uniqueIndex:idx_subscriber_repo"`
	Name         string `gorm:"uniqueIndex:idx_subscriber_repo"`

	IntervalSeconds int
	CredentialRef   string

	Platform           string // telegram, email
	PlatformIdentifier string // chat id or email address
}

func (s *Subscription) Ref() RepoRef {
	return RepoRef{Provider: s.Provider, Owner: s.Owner, Name: s.Name}
}

func (s *Subscription) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

type Subscriptions []Subscription

// DeliveryFailure records a notification that could not be handed to the
// delivery platform. Failures are surfaced to the subscriber-facing layer,
// never retried by the poller.
type DeliveryFailure struct {
	gorm.Model
	FailureID    string `gorm:"uniqueIndex"`
	SubscriberID string `gorm:"index"`
	Provider     string
	Owner        string
	Name         string
	ReleaseID    string
	TagName      string
	Reason       string
	FailedAt     time.Time
}

type DeliveryFailures []DeliveryFailure
