// Package validator classifies external sources as alive or dead.
package validator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// DefaultDeadStatuses are HTTP statuses that mark a source dead without retry.
var DefaultDeadStatuses = []int{404, 410, 419, 503, 523}

// DefaultUnavailablePhrases mark a source dead when found in its body.
var DefaultUnavailablePhrases = []string{
	"file not found",
	"file was deleted",
	"file has been removed",
	"this file is no longer available",
	"video not found",
	"this video has been removed",
}

// Config tunes classification and retries.
type Config struct {
	DeadStatuses       []int
	UnavailablePhrases []string
	Retry              crawler.RetryPolicy
}

// Validator implements crawler.SourceValidator on top of a Fetcher.
type Validator struct {
	fetcher crawler.Fetcher
	dead    map[int]struct{}
	phrases [][]byte
	retry   crawler.RetryPolicy
	logger  *zap.Logger
}

// New builds a Validator. Empty lists fall back to the defaults.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Validator {
	statuses := cfg.DeadStatuses
	if len(statuses) == 0 {
		statuses = DefaultDeadStatuses
	}
	phrases := cfg.UnavailablePhrases
	if len(phrases) == 0 {
		phrases = DefaultUnavailablePhrases
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = crawler.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := &Validator{
		fetcher: fetcher,
		dead:    make(map[int]struct{}, len(statuses)),
		retry:   cfg.Retry,
		logger:  logger,
	}
	for _, status := range statuses {
		v.dead[status] = struct{}{}
	}
	for _, phrase := range phrases {
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			v.phrases = append(v.phrases, []byte(strings.ToLower(phrase)))
		}
	}
	return v
}

// Validate reports whether the source is alive. Dead statuses and unavailable
// phrases yield false with no retry. Transient failures are retried with
// exponential backoff; once exhausted the last error is returned so the caller
// can decide how to treat an undetermined source.
func (v *Validator) Validate(ctx context.Context, url string) (bool, error) {
	var alive bool
	attempt := 0
	err := v.retry.Retry(ctx, func() error {
		attempt++
		ok, err := v.check(ctx, url)
		if err != nil {
			return err
		}
		alive = ok
		return nil
	}, func(err error, wait time.Duration) {
		v.logger.Debug("source check failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		metrics.ObserveSourceCheck("indeterminate")
		return false, fmt.Errorf("validate %s after %d attempts: %w", url, attempt, err)
	}
	if alive {
		metrics.ObserveSourceCheck("alive")
	} else {
		metrics.ObserveSourceCheck("dead")
	}
	return alive, nil
}

func (v *Validator) check(ctx context.Context, url string) (bool, error) {
	resp, err := v.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		return false, err
	}
	if _, dead := v.dead[resp.StatusCode]; dead {
		v.logger.Debug("source dead by status", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return false, nil
	}
	if v.containsUnavailablePhrase(resp.Body) {
		v.logger.Debug("source dead by content", zap.String("url", url))
		return false, nil
	}
	return true, nil
}

func (v *Validator) containsUnavailablePhrase(body []byte) bool {
	if len(body) == 0 || len(v.phrases) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, phrase := range v.phrases {
		if bytes.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
