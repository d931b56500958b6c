package orchestrator

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/crawler"
)

var defaultHeaders = http.Header{
	"Accept": []string{"text/html,application/xhtml+xml"},
}

// fetchPage fetches an HTML page, retrying transient failures. Non-2xx
// responses become a *crawler.FetchError.
func fetchPage(ctx context.Context, fetcher crawler.Fetcher, policy crawler.RetryPolicy, logger *zap.Logger, url string) ([]byte, error) {
	var body []byte
	op := func() error {
		resp, err := fetcher.Fetch(ctx, crawler.FetchRequest{URL: url, Headers: defaultHeaders.Clone()})
		if err != nil {
			return err
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return crawler.StatusError(url, resp.StatusCode)
		}
		body = resp.Body
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("retrying page fetch", zap.String("url", url), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := policy.Retry(ctx, op, notify); err != nil {
		return nil, err
	}
	return body, nil
}
