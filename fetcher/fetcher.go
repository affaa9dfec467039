// Package fetcher pulls feedback records from the portal read API. The
// cached credential set is always tried first; the interactive login flow
// is materially more expensive and more fragile than a plain HTTP call,
// so it is the last resort and runs at most once per cycle.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"feedback-relay/pkg/feedback"
	"feedback-relay/storage"
)

const (
	// fetchAttempts bounds the cached-credential path: at most three
	// requests with 2s/4s/6s pauses between them.
	fetchAttempts  = 3
	defaultBackoff = 2 * time.Second
)

// CredentialInvalidError indicates the portal rejected the cookie set
// (401/403). Retrying the same credentials is pointless.
type CredentialInvalidError struct {
	StatusCode int
}

func (e *CredentialInvalidError) Error() string {
	return fmt.Sprintf("credentials rejected: HTTP %d", e.StatusCode)
}

// IsCredentialInvalid checks whether an error is a credential rejection.
func IsCredentialInvalid(err error) bool {
	var invalid *CredentialInvalidError
	return errors.As(err, &invalid)
}

// Client issues authenticated reads against the portal list endpoint.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	listURL    string
	referer    string
}

// NewClient creates a portal read client. httpClient may be nil, in which
// case a client with a 30s timeout is used.
func NewClient(listURL, referer string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		listURL:    listURL,
		referer:    referer,
	}
}

type listResponse struct {
	Data []feedback.RawRecord `json:"data"`
}

// List performs a single authenticated read for the given window.
// A 401/403 response comes back as *CredentialInvalidError.
func (c *Client) List(ctx context.Context, creds *feedback.CredentialSet, window feedback.FetchWindow) ([]feedback.RawRecord, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("count", "100")
	q.Set("from", window.FromString())
	q.Set("to", window.ToString())
	q.Set("status", "0")
	q.Set("order", "1")
	q.Set("label", "all")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listURL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Browser-like headers keep the portal from treating the relay as a bot.
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Cookie", creds.CookieHeader())
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("portal request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Info("Portal request completed",
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"from", window.FromString(),
		"to", window.ToString())

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &CredentialInvalidError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("portal HTTP %d", resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode portal response: %w", err)
	}
	if body.Data == nil {
		return nil, errors.New("portal response missing data array")
	}
	return body.Data, nil
}

// CredentialLoader supplies the cached credential set.
type CredentialLoader interface {
	LoadCredentials(ctx context.Context) (*feedback.CredentialSet, error)
}

// Authenticator runs the interactive login flow and answers the window
// query from the freshly authenticated session.
type Authenticator interface {
	Login(ctx context.Context, window feedback.FetchWindow) (*feedback.CredentialSet, []feedback.RawRecord, error)
}

// Fetch methods, reported for observability.
const (
	MethodCookie = "cookie"
	MethodLogin  = "login"
)

// Fetcher composes the credential cache, the read client and the
// authenticator into one fetch operation.
type Fetcher struct {
	store  CredentialLoader
	client *Client
	auth   Authenticator
	logger *slog.Logger

	// backoffUnit scales the pause between cached-path attempts
	// (attempt n waits n*backoffUnit). Tests shrink it.
	backoffUnit time.Duration
	now         func() time.Time
}

// New creates a fetcher.
func New(store CredentialLoader, client *Client, auth Authenticator, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		store:       store,
		client:      client,
		auth:        auth,
		logger:      logger,
		backoffUnit: defaultBackoff,
		now:         time.Now,
	}
}

// Fetch returns the raw records for a window of the given length ending
// now, together with the path that produced them (cookie vs login).
func (f *Fetcher) Fetch(ctx context.Context, windowMinutes int) ([]feedback.RawRecord, string, error) {
	window := feedback.WindowEnding(f.now(), windowMinutes)

	creds, err := f.store.LoadCredentials(ctx)
	switch {
	case err == nil:
		records, fetchErr := f.fetchWithCredentials(ctx, creds, window)
		if fetchErr == nil {
			f.logger.Info("Fetched records with cached credentials", "count", len(records))
			return records, MethodCookie, nil
		}
		f.logger.Warn("Cached-credential fetch failed, falling back to login", "error", fetchErr)
	case errors.Is(err, storage.ErrNoCredentials):
		f.logger.Info("No cached credentials, falling back to login")
	default:
		f.logger.Warn("Credential cache unreadable, falling back to login", "error", err)
	}

	// Last resort: one interactive login per cycle. Its failure is fatal
	// to the whole fetch.
	creds, records, err := f.auth.Login(ctx, window)
	if err != nil {
		return nil, "", fmt.Errorf("login fallback: %w", err)
	}
	f.logger.Info("Fetched records after fresh login",
		"count", len(records),
		"cookie_count", len(creds.Cookies))
	return records, MethodLogin, nil
}

// fetchWithCredentials tries the read API with the cached set, up to
// fetchAttempts times with an increasing pause. A credential rejection
// short-circuits the remaining attempts.
func (f *Fetcher) fetchWithCredentials(ctx context.Context, creds *feedback.CredentialSet, window feedback.FetchWindow) ([]feedback.RawRecord, error) {
	var records []feedback.RawRecord

	err := retry.Do(
		func() error {
			var listErr error
			records, listErr = f.client.List(ctx, creds, window)
			if IsCredentialInvalid(listErr) {
				return retry.Unrecoverable(listErr)
			}
			return listErr
		},
		retry.Attempts(fetchAttempts),
		retry.Delay(f.backoffUnit),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * f.backoffUnit
		}),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, retryErr error) {
			f.logger.Info("Retrying portal fetch after error", "attempt", attempt, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, err
	}
	return records, nil
}
