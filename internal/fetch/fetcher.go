// Package fetch retrieves raw listing pages and image bytes over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cararth/ingest-service/internal/model"
)

const (
	defaultTimeout = 15 * time.Second
	maxImageBytes  = 12 << 20 // refuse to buffer anything larger
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Kind classifies a fetch failure. Failures are local to one listing and
// never retried inline; the next scheduled run picks the URL up again.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindStatus      Kind = "bad-status"
	KindContentType Kind = "wrong-content-type"
	KindNetwork     Kind = "network"
)

// Error is a typed fetch failure.
type Error struct {
	URL        string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher wraps a shared HTTP client with the per-request timeout budget.
type Fetcher struct {
	client *http.Client
	log    *zap.Logger
}

// New constructs a Fetcher. A non-positive timeout falls back to 15s.
func New(timeout time.Duration, log *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		log:    log.Named("fetch"),
	}
}

// Page retrieves one listing page. Non-2xx responses and non-HTML content
// types are typed failures, not partial results.
func (f *Fetcher) Page(ctx context.Context, pageURL string) (*model.RawPage, error) {
	body, contentType, status, err := f.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &Error{URL: pageURL, Kind: KindStatus, StatusCode: status}
	}
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml") {
		return nil, &Error{URL: pageURL, Kind: KindContentType, StatusCode: status,
			Err: fmt.Errorf("got %q", contentType)}
	}
	return &model.RawPage{
		URL:         pageURL,
		Body:        body,
		ContentType: contentType,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// Image retrieves one candidate image's bytes and declared content type.
// Oversized bodies are truncated at maxImageBytes; the gate's size bounds
// reject them downstream.
func (f *Fetcher) Image(ctx context.Context, imageURL string) ([]byte, string, error) {
	body, contentType, status, err := f.get(ctx, imageURL)
	if err != nil {
		return nil, "", err
	}
	if status < 200 || status > 299 {
		return nil, "", &Error{URL: imageURL, Kind: KindStatus, StatusCode: status}
	}
	return body, contentType, nil
}

func (f *Fetcher) get(ctx context.Context, u string) (body []byte, contentType string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", 0, &Error{URL: u, Kind: KindNetwork, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		kind := KindNetwork
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		} else if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		f.log.Debug("request failed", zap.String("url", u), zap.Error(err))
		return nil, "", 0, &Error{URL: u, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", resp.StatusCode, &Error{URL: u, Kind: KindNetwork, Err: fmt.Errorf("read body: %w", err)}
	}

	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}
