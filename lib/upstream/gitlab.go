package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/fiffu/releasewatch/lib/models"
)

const gitlabAPIBase = "https://gitlab.com/api/v4"

type gitlabRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	ReleasedAt  time.Time `json:"released_at"`
	Assets      struct {
		Links []struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"links"`
	} `json:"assets"`
}

// fetchGitlab lists the project's releases, newest first. GitLab assigns no
// numeric release id, so the publish timestamp serves as the monotonic
// dedup identifier.
func (c *client) fetchGitlab(ctx context.Context, ref models.RepoRef, credential string) Outcome {
	authenticated := credential != ""

	projectID := url.PathEscape(ref.Owner + "/" + ref.Name)
	endpoint := fmt.Sprintf("%s/projects/%s/releases", gitlabAPIBase, projectID)

	var releases []gitlabRelease
	var status int
	var retryAfter string

	builder := requests.URL(endpoint).
		Transport(c.transport).
		AddValidator(func(res *http.Response) error {
			status = res.StatusCode
			retryAfter = res.Header.Get("Retry-After")
			return nil
		}).
		AddValidator(requests.CheckStatus(http.StatusOK)).
		ToJSON(&releases)
	if authenticated {
		builder = builder.Header("PRIVATE-TOKEN", credential)
	}

	if err := builder.Fetch(ctx); err != nil {
		switch status {
		case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized:
			return Outcome{Kind: KindNotFound, Authenticated: authenticated}
		case http.StatusTooManyRequests:
			return Outcome{Kind: KindRateLimited, RetryAfter: c.retryAfterHint(retryAfter), Authenticated: authenticated}
		default:
			c.log.Sugar().Infow("gitlab fetch failed", "repo", ref.String(), "err", err)
			return Outcome{Kind: KindTransientErr, Err: err, Authenticated: authenticated}
		}
	}

	if len(releases) == 0 {
		return Outcome{Kind: KindNotFound, Authenticated: authenticated}
	}

	latest := releases[0]
	publishedAt := latest.ReleasedAt
	if publishedAt.IsZero() {
		publishedAt = latest.CreatedAt
	}

	assets := make([]models.ReleaseAsset, 0, len(latest.Assets.Links))
	for _, link := range latest.Assets.Links {
		// GitLab release links report no size; they are passed through as
		// plain links rather than transferable files.
		assets = append(assets, models.ReleaseAsset{Name: link.Name, URL: link.URL})
	}

	return Outcome{
		Kind:          KindRelease,
		Authenticated: authenticated,
		Release: &models.Release{
			ReleaseID:   strconv.FormatInt(publishedAt.UTC().Unix(), 10),
			TagName:     latest.TagName,
			Title:       latest.Name,
			Notes:       latest.Description,
			HTMLURL:     fmt.Sprintf("https://gitlab.com/%s/%s/-/releases/%s", ref.Owner, ref.Name, latest.TagName),
			PublishedAt: publishedAt,
			Assets:      assets,
		},
	}
}

func (c *client) retryAfterHint(header string) time.Duration {
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return c.cfg.DefaultBackoff()
}
