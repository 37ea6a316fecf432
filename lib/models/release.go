package models

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// Release is the latest-release metadata fetched from an upstream provider.
// ReleaseID is the upstream-assigned monotonic identifier (numeric release
// id on GitHub, publish timestamp on GitLab), never a lexical tag
// comparison.
type Release struct {
	ReleaseID   string
	TagName     string
	Title       string
	Notes       string
	HTMLURL     string
	PublishedAt time.Time
	Assets      []ReleaseAsset
}

type ReleaseAsset struct {
	Name string
	Size int64
	URL  string
}

// RepoState holds the last-observed release per repository. The dedup key
// is the repository, not the subscriber: a release is a single upstream
// fact. An empty ReleaseID means no baseline has been recorded yet.
type RepoState struct {
	gorm.Model
	Provider string `gorm:"uniqueIndex:idx_repo_state_ref"`
	Owner    string `gorm:"uniqueIndex:idx_repo_state_ref"`
	Name     string `gorm:"uniqueIndex:idx_repo_state_ref"`

	ReleaseID     string
	TagName       string
	ObservedAt    sql.NullTime
	LastCheckedAt sql.NullTime
	BackoffUntil  sql.NullTime
}

func (s *RepoState) Ref() RepoRef {
	return RepoRef{Provider: s.Provider, Owner: s.Owner, Name: s.Name}
}

type RepoStates []RepoState
