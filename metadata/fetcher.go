package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"storefront/pricing"
)

// ErrUnavailable is returned when neither the primary gateway nor the mirror
// could serve a metadata document. Callers treat it as display-only: purchase
// logic never depends on a metadata fetch succeeding.
var ErrUnavailable = errors.New("metadata: document unavailable")

const maxDocumentBytes = 1 << 20

// Document is the content-addressed metadata blob attached to a product.
type Document struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Price       string                  `json:"price"`
	Incentive   *pricing.IncentiveOffer `json:"incentive,omitempty"`
}

// Fetcher resolves content-address references against a primary gateway with
// a secondary mirror fallback.
type Fetcher struct {
	primary string
	mirror  string
	client  *http.Client
	log     *slog.Logger
}

// NewFetcher constructs a fetcher. The mirror may be empty, in which case
// primary failures are terminal.
func NewFetcher(primary, mirror string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		primary: strings.TrimRight(strings.TrimSpace(primary), "/"),
		mirror:  strings.TrimRight(strings.TrimSpace(mirror), "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger,
	}
}

// Fetch loads the document behind a content-address reference, falling back
// to the mirror when the primary gateway fails.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (*Document, error) {
	if f == nil {
		return nil, ErrUnavailable
	}
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnavailable)
	}
	var lastErr error
	for _, base := range []string{f.primary, f.mirror} {
		if base == "" {
			continue
		}
		doc, err := f.fetchFrom(ctx, base, trimmed)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		f.log.Warn("metadata: gateway fetch failed", "base", base, "ref", trimmed, "err", err)
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: no gateways configured", ErrUnavailable)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (f *Fetcher) fetchFrom(ctx context.Context, base, ref string) (*Document, error) {
	endpoint := base + "/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}
