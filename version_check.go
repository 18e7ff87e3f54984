package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-tempo/internal/types"
	"github.com/oszuidwest/zwfm-tempo/internal/util"
)

// Build information, set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	releaseEndpoint       = "https://api.github.com/repos/oszuidwest/zwfm-tempo/releases/latest"
	releasePollInterval   = 24 * time.Hour
	releaseFirstPoll      = 30 * time.Second
	releaseRequestTimeout = 30 * time.Second
	releaseRetryMin       = time.Minute
	releaseRetryMax       = time.Hour
)

// errReleaseUnreachable marks poll failures worth retrying before the next daily poll.
var errReleaseUnreachable = errors.New("release feed unreachable")

// release is the subset of a GitHub release the watcher reads.
type release struct {
	TagName    string `json:"tag_name"`
	HTMLURL    string `json:"html_url"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// ReleaseWatcher polls the GitHub releases feed of the monitor and reports
// whether a newer published build exists. It is safe for concurrent use.
type ReleaseWatcher struct {
	endpoint string
	client   *http.Client
	retry    *util.Backoff

	mu         sync.RWMutex
	latest     string
	releaseURL string
	etag       string
	polledAt   time.Time
}

// NewReleaseWatcher returns a watcher for the public release feed.
func NewReleaseWatcher() *ReleaseWatcher {
	return newReleaseWatcher(releaseEndpoint)
}

func newReleaseWatcher(endpoint string) *ReleaseWatcher {
	return &ReleaseWatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: releaseRequestTimeout},
		retry:    util.NewBackoff(releaseRetryMin, releaseRetryMax),
	}
}

// Run polls the feed once shortly after startup and then daily, until ctx is done.
// Unreachable feeds are retried with backoff in between.
func (w *ReleaseWatcher) Run(ctx context.Context) {
	timer := time.NewTimer(releaseFirstPoll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := releasePollInterval
		err := w.poll(ctx)
		switch {
		case err == nil:
			w.retry.Reset()
		case errors.Is(err, errReleaseUnreachable):
			next = w.retry.Next()
			slog.Debug("release check failed", "error", err, "retry_in", next)
		default:
			w.retry.Reset()
			slog.Debug("release check failed", "error", err)
		}
		timer.Reset(next)
	}
}

// poll fetches the latest release once. A 304 or 404 answer counts as success.
func (w *ReleaseWatcher) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, releaseRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint, http.NoBody)
	if err != nil {
		return util.WrapError("create release request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-tempo/"+Version)

	w.mu.RLock()
	if w.etag != "" {
		req.Header.Set("If-None-Match", w.etag)
	}
	w.mu.RUnlock()

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errReleaseUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		w.markPolled()
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", errReleaseUnreachable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("release feed returned %s", resp.Status)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return util.WrapError("decode release", err)
	}
	if rel.Draft || rel.Prerelease {
		w.markPolled()
		return nil
	}
	if rel.TagName == "" {
		return errors.New("release has no tag")
	}

	latest := normalizeVersion(rel.TagName)
	w.mu.Lock()
	w.latest = latest
	w.releaseURL = rel.HTMLURL
	if etag := resp.Header.Get("ETag"); etag != "" {
		w.etag = etag
	}
	w.polledAt = time.Now()
	w.mu.Unlock()

	if w.Info().UpdateAvail {
		slog.Info("newer release available", "current", Version, "latest", latest, "url", rel.HTMLURL)
	}
	return nil
}

func (w *ReleaseWatcher) markPolled() {
	w.mu.Lock()
	w.polledAt = time.Now()
	w.mu.Unlock()
}

// Info returns the build and release information for status responses.
func (w *ReleaseWatcher) Info() types.VersionInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	info := types.VersionInfo{
		Current:    normalizeVersion(Version),
		Latest:     w.latest,
		ReleaseURL: w.releaseURL,
		Commit:     Commit,
		BuildTime:  util.FormatHumanTime(BuildTime),
	}
	if !w.polledAt.IsZero() {
		info.CheckedAt = w.polledAt.UTC().Format(time.RFC3339)
	}
	// Development builds have no semver and never report an update.
	if info.Latest != "" && semver.IsValid(canonicalVersion(info.Current)) {
		info.UpdateAvail = isNewerVersion(info.Latest, info.Current)
	}
	return info
}

// normalizeVersion strips whitespace and a leading "v".
func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

func canonicalVersion(v string) string {
	return "v" + normalizeVersion(v)
}

// isNewerVersion reports whether latest is a higher semver than current.
func isNewerVersion(latest, current string) bool {
	return semver.Compare(canonicalVersion(latest), canonicalVersion(current)) > 0
}
