// Package update implements the advisory update checker. It compares
// the running version against a latest-version source and lets state
// channels push the result to clients. It never installs anything.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Status is the advisory record pushed over the state channel.
type Status struct {
	Available      bool   `json:"available"`
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
	ReleaseURL     string `json:"releaseUrl,omitempty"`
}

// Source reports the latest released version.
type Source interface {
	Latest(ctx context.Context) (version string, releaseURL string, err error)
}

// Checker polls a Source and fans status changes out to subscribers.
type Checker struct {
	current  *semver.Version
	source   Source
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	status Status
	known  bool
	subs   map[chan Status]struct{}
}

// NewChecker builds a checker for the given running version. The
// version must parse as semver; a dev build (e.g. "0.0.0-dev") simply
// never sees an update.
func NewChecker(currentVersion string, source Source, interval time.Duration) (*Checker, error) {
	v, err := semver.NewVersion(currentVersion)
	if err != nil {
		return nil, fmt.Errorf("update: parse current version %q: %w", currentVersion, err)
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Checker{
		current:  v,
		source:   source,
		interval: interval,
		log:      slog.Default().With("component", "update-checker"),
		subs:     make(map[chan Status]struct{}),
	}, nil
}

// Run polls until the context ends. The first check happens right
// away so clients connecting at startup get an answer.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

func (c *Checker) check(ctx context.Context) {
	latest, url, err := c.source.Latest(ctx)
	if err != nil {
		c.log.Debug("version check failed", "error", err)
		return
	}
	latestVer, err := semver.NewVersion(latest)
	if err != nil {
		c.log.Warn("source reported an unparsable version", "version", latest, "error", err)
		return
	}

	status := Status{
		Available:      latestVer.GreaterThan(c.current),
		CurrentVersion: c.current.String(),
		LatestVersion:  latestVer.String(),
		ReleaseURL:     url,
	}

	c.mu.Lock()
	changed := !c.known || status != c.status
	c.status = status
	c.known = true
	subs := make([]chan Status, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	if status.Available {
		c.log.Info("update available", "current", status.CurrentVersion, "latest", status.LatestVersion)
	}
	for _, s := range subs {
		// Single-slot coalescing, same contract as the broadcast hub.
		select {
		case s <- status:
		default:
			select {
			case <-s:
			default:
			}
			s <- status
		}
	}
}

// Current returns the last known status; ok is false before the first
// successful check.
func (c *Checker) Current() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.known
}

// Subscribe returns a coalescing channel receiving status changes.
func (c *Checker) Subscribe() chan Status {
	ch := make(chan Status, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription. The channel is not closed; the
// caller stops selecting on it.
func (c *Checker) Unsubscribe(ch chan Status) {
	c.mu.Lock()
	delete(c.subs, ch)
	c.mu.Unlock()
}

// HTTPSource reads `{"version": "...", "url": "..."}` from a JSON
// endpoint.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSource) Latest(ctx context.Context) (string, string, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("update: %s answered %s", s.URL, resp.Status)
	}

	var body struct {
		Version string `json:"version"`
		URL     string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("update: decode response: %w", err)
	}
	if body.Version == "" {
		return "", "", fmt.Errorf("update: %s answered without a version", s.URL)
	}
	return body.Version, body.URL, nil
}
