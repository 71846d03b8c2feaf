package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/mod/semver"

	"strandcam/internal/store"
)

// DefaultInterval is the time between upstream checks.
const DefaultInterval = 30 * time.Minute

// Response is the document served by the version endpoint.
type Response struct {
	Available string `json:"available"`
	Message   string `json:"message"`
}

// Checker polls a version endpoint and records newer releases in the
// store.
type Checker struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Shared   *store.Shared

	mu    sync.Mutex
	known string
}

func NewChecker(url string, interval time.Duration, shared *store.Shared) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		URL:      url,
		Interval: interval,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Shared:   shared,
		known:    Version,
	}
}

// Known returns the newest version seen so far.
func (c *Checker) Known() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Check fetches the endpoint once and reports whether a newer version is
// available.
func (c *Checker) Check(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build version request: %w", err)
	}
	req.Header.Set("User-Agent", AppName+"/"+c.Known())

	resp, err := c.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("version request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode version response: %w", err)
	}
	available := canonical(body.Available)
	if !semver.IsValid(available) {
		return false, fmt.Errorf("invalid version %q", body.Available)
	}

	c.mu.Lock()
	newer := semver.Compare(available, canonical(c.known)) > 0
	if newer {
		c.known = strings.TrimPrefix(available, "v")
	}
	known := c.known
	c.mu.Unlock()

	if !newer {
		return false, nil
	}
	log.Info().Str("component", "version").Str("available", known).Str("message", body.Message).
		Msgf("new version of %s is available", AppName)
	if c.Shared != nil {
		c.Shared.Modify(func(s *store.SharedState) { s.LatestVersion = known })
	}
	return true, nil
}

// Run checks immediately and then every Interval until ctx is cancelled.
// Failed checks are logged.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		if _, err := c.Check(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Str("component", "version").Err(err).Msg("error checking version")
		}
		select {
		case <-ctx.Done():
			log.Debug().Str("component", "version").Msg("version check stopped")
			return nil
		case <-ticker.C:
		}
	}
}
