package upstream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v63/github"

	"github.com/fiffu/releasewatch/lib/models"
)

func (c *client) fetchGithub(ctx context.Context, ref models.RepoRef, credential string) Outcome {
	authenticated := credential != ""

	gh := github.NewClient(&http.Client{Transport: c.transport})
	if authenticated {
		gh = gh.WithAuthToken(credential)
	}

	rel, resp, err := gh.Repositories.GetLatestRelease(ctx, ref.Owner, ref.Name)
	if err != nil {
		return c.githubError(ref, resp, err, authenticated)
	}

	assets := make([]models.ReleaseAsset, 0, len(rel.Assets))
	for _, asset := range rel.Assets {
		assets = append(assets, models.ReleaseAsset{
			Name: asset.GetName(),
			Size: int64(asset.GetSize()),
			URL:  asset.GetBrowserDownloadURL(),
		})
	}

	return Outcome{
		Kind:          KindRelease,
		Authenticated: authenticated,
		Release: &models.Release{
			ReleaseID:   strconv.FormatInt(rel.GetID(), 10),
			TagName:     rel.GetTagName(),
			Title:       rel.GetName(),
			Notes:       rel.GetBody(),
			HTMLURL:     rel.GetHTMLURL(),
			PublishedAt: rel.GetPublishedAt().Time,
			Assets:      assets,
		},
	}
}

func (c *client) githubError(ref models.RepoRef, resp *github.Response, err error, authenticated bool) Outcome {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		retryAfter := time.Until(rateErr.Rate.Reset.Time)
		if retryAfter <= 0 {
			retryAfter = c.cfg.DefaultBackoff()
		}
		return Outcome{Kind: KindRateLimited, RetryAfter: retryAfter, Authenticated: authenticated}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		retryAfter := abuseErr.GetRetryAfter()
		if retryAfter <= 0 {
			retryAfter = c.cfg.DefaultBackoff()
		}
		return Outcome{Kind: KindRateLimited, RetryAfter: retryAfter, Authenticated: authenticated}
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			// No releases yet, renamed, or private without a credential.
			return Outcome{Kind: KindNotFound, Authenticated: authenticated}
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
			return Outcome{Kind: KindNotFound, Authenticated: authenticated}
		case resp.StatusCode == http.StatusTooManyRequests:
			return Outcome{Kind: KindRateLimited, RetryAfter: c.cfg.DefaultBackoff(), Authenticated: authenticated}
		}
	}

	c.log.Sugar().Infow("github fetch failed", "repo", ref.String(), "err", err)
	return Outcome{Kind: KindTransientErr, Err: err, Authenticated: authenticated}
}
