package models

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ProviderGithub = "github"
	ProviderGitlab = "gitlab"
)

var ErrInvalidRepoRef = errors.New("invalid repository reference")

// RepoRef identifies a tracked upstream repository. It is the join key
// between subscriptions and last-seen release state.
type RepoRef struct {
	Provider string
	Owner    string
	Name     string
}

// ParseRepoRef accepts "owner/name" or a full https URL for the given
// provider.
func ParseRepoRef(provider, input string) (RepoRef, error) {
	if provider != ProviderGithub && provider != ProviderGitlab {
		return RepoRef{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidRepoRef, provider)
	}

	path := strings.TrimSpace(input)
	if host := provider + ".com/"; strings.Contains(path, "://") {
		// A URL must point at the named provider's host; a gitlab.com URL
		// tracked as a github repo would silently watch the wrong upstream.
		rest, ok := strings.CutPrefix(path, "https://"+host)
		if !ok {
			rest, ok = strings.CutPrefix(path, "http://"+host)
		}
		if !ok {
			return RepoRef{}, fmt.Errorf("%w: %q is not a %s URL", ErrInvalidRepoRef, input, provider)
		}
		path = rest
	}
	path = strings.TrimSuffix(path, ".git")
	path = strings.Trim(path, "/")

	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("%w: %q should look like owner/name", ErrInvalidRepoRef, input)
	}

	return RepoRef{Provider: provider, Owner: parts[0], Name: parts[1]}, nil
}

func (r RepoRef) String() string {
	return fmt.Sprintf("%s:%s/%s", r.Provider, r.Owner, r.Name)
}

func (r RepoRef) Slug() string {
	return r.Owner + "/" + r.Name
}

func (r RepoRef) WebURL() string {
	switch r.Provider {
	case ProviderGitlab:
		return fmt.Sprintf("https://gitlab.com/%s/%s", r.Owner, r.Name)
	default:
		return fmt.Sprintf("https://github.com/%s/%s", r.Owner, r.Name)
	}
}
