// Package auth drives the interactive portal login with a headless
// browser and captures the resulting cookie jar as a credential set.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cdpstorage "github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"feedback-relay/pkg/feedback"
)

const (
	// credentialTTL is the fixed validity window stamped on a fresh
	// cookie jar. The portal session outlives it in practice; expiring
	// early just forces a harmless re-login.
	credentialTTL = 24 * time.Hour

	// navTimeout bounds full page navigations, stepTimeout bounds
	// individual element waits and clicks.
	navTimeout  = 60 * time.Second
	stepTimeout = 10 * time.Second

	// providerFrameMarker identifies the external identity provider's
	// iframe among the page targets.
	providerFrameMarker = "ptlogin2"

	framePollInterval = 500 * time.Millisecond
)

// AuthError reports a failed login step. It is fatal to the cycle that
// triggered the login.
type AuthError struct {
	Step   string
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("login failed at %s: %s", e.Step, e.Detail)
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Lister answers the data-window query with a given credential set.
type Lister interface {
	List(ctx context.Context, creds *feedback.CredentialSet, window feedback.FetchWindow) ([]feedback.RawRecord, error)
}

// CredentialSaver persists a freshly captured credential set.
type CredentialSaver interface {
	SaveCredentials(ctx context.Context, creds *feedback.CredentialSet) error
}

// Authenticator logs into the feedback portal through the browser and
// returns both the captured credentials and the records for the
// requested window, so the caller never has to refetch.
type Authenticator struct {
	lister Lister
	saver  CredentialSaver
	logger *slog.Logger

	loginURL        string
	dashboardPrefix string
	account         string
	password        string
	headless        bool

	now func() time.Time
}

// New creates an Authenticator. The account and password are the portal
// identity used to drive the provider form.
func New(lister Lister, saver CredentialSaver, loginURL, dashboardPrefix, account, password string, headless bool, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		lister:          lister,
		saver:           saver,
		logger:          logger,
		loginURL:        loginURL,
		dashboardPrefix: dashboardPrefix,
		account:         account,
		password:        password,
		headless:        headless,
		now:             time.Now,
	}
}

// Login walks the portal login flow, captures the cookie jar, persists
// it best-effort, and performs the one window query with the fresh
// credentials.
func (a *Authenticator) Login(ctx context.Context, window feedback.FetchWindow) (*feedback.CredentialSet, []feedback.RawRecord, error) {
	a.logger.Info("Starting interactive login", "url", a.loginURL)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(1280, 900),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	if err := a.openLoginPage(browserCtx); err != nil {
		return nil, nil, err
	}
	if err := a.submitProviderForm(browserCtx); err != nil {
		return nil, nil, err
	}
	if err := a.awaitDashboard(browserCtx); err != nil {
		return nil, nil, err
	}

	creds, err := a.captureCredentials(browserCtx)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("Login succeeded", "cookies", len(creds.Cookies), "expires_at", creds.ExpiresAt.Format(time.RFC3339))

	if err := a.saver.SaveCredentials(ctx, creds); err != nil {
		a.logger.Warn("Failed to persist credentials, continuing with in-memory set", "error", err)
	}

	records, err := a.lister.List(ctx, creds, window)
	if err != nil {
		return creds, nil, fmt.Errorf("query with fresh credentials: %w", err)
	}
	return creds, records, nil
}

// run executes one named login step under its own timeout.
func (a *Authenticator) run(ctx context.Context, timeout time.Duration, step string, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(tctx, actions...); err != nil {
		return &AuthError{Step: step, Detail: err.Error()}
	}
	return nil
}

// openLoginPage navigates to the portal login page, accepts the consent
// checkbox, and switches to the external-identity login path.
func (a *Authenticator) openLoginPage(ctx context.Context) error {
	if err := a.run(ctx, navTimeout, "navigate", chromedp.Navigate(a.loginURL)); err != nil {
		return err
	}
	if err := a.run(ctx, stepTimeout, "wait login form",
		chromedp.WaitVisible(".login_account", chromedp.ByQuery),
		chromedp.WaitVisible(".login-panel__footer", chromedp.ByQuery),
	); err != nil {
		return err
	}
	if err := a.run(ctx, stepTimeout, "accept consent",
		chromedp.WaitVisible(".t-checkbox__former", chromedp.ByQuery),
		chromedp.Click(".t-checkbox__former", chromedp.ByQuery),
	); err != nil {
		return err
	}
	return a.run(ctx, stepTimeout, "open provider login",
		chromedp.Click(".super_login_qq_link", chromedp.ByQuery))
}

// submitProviderForm fills and submits the credential form inside the
// identity provider's iframe, which lives in its own browser target.
func (a *Authenticator) submitProviderForm(ctx context.Context) error {
	frameCtx, cancel, err := a.providerFrame(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if err := a.run(frameCtx, stepTimeout, "switch to password login",
		chromedp.WaitVisible("#switcher_plogin", chromedp.ByID),
		chromedp.Click("#switcher_plogin", chromedp.ByID),
	); err != nil {
		return err
	}
	if err := a.run(frameCtx, stepTimeout, "fill credentials",
		chromedp.WaitVisible("#u", chromedp.ByID),
		chromedp.SendKeys("#u", a.account, chromedp.ByID),
		chromedp.SendKeys("#p", a.password, chromedp.ByID),
	); err != nil {
		return err
	}
	return a.run(frameCtx, stepTimeout, "submit login",
		chromedp.Click("#login_button", chromedp.ByID))
}

// providerFrame polls the browser targets until the identity provider's
// iframe appears and returns a context bound to it.
func (a *Authenticator) providerFrame(ctx context.Context) (context.Context, context.CancelFunc, error) {
	deadline := time.Now().Add(stepTimeout)
	for {
		infos, err := chromedp.Targets(ctx)
		if err != nil {
			return nil, nil, &AuthError{Step: "locate provider frame", Detail: err.Error()}
		}
		var frame *target.Info
		for _, info := range infos {
			if info.Type == "iframe" && strings.Contains(info.URL, providerFrameMarker) {
				frame = info
				break
			}
		}
		if frame != nil {
			frameCtx, cancel := chromedp.NewContext(ctx, chromedp.WithTargetID(frame.TargetID))
			return frameCtx, cancel, nil
		}
		if time.Now().After(deadline) {
			return nil, nil, &AuthError{Step: "locate provider frame", Detail: "iframe never appeared"}
		}
		select {
		case <-ctx.Done():
			return nil, nil, &AuthError{Step: "locate provider frame", Detail: ctx.Err().Error()}
		case <-time.After(framePollInterval):
		}
	}
}

// awaitDashboard waits for the post-submit navigation to land on the
// authenticated dashboard. Any other destination means the login was
// rejected.
func (a *Authenticator) awaitDashboard(ctx context.Context) error {
	deadline := time.Now().Add(navTimeout)
	var location string
	for {
		if err := a.run(ctx, stepTimeout, "read location", chromedp.Location(&location)); err != nil {
			return err
		}
		if err := a.verifyDestination(location); err == nil {
			a.logger.Info("Landed on dashboard", "url", location)
			return nil
		}
		if time.Now().After(deadline) {
			return a.verifyDestination(location)
		}
		select {
		case <-ctx.Done():
			return &AuthError{Step: "verify destination", Detail: ctx.Err().Error()}
		case <-time.After(framePollInterval):
		}
	}
}

// verifyDestination checks a post-login location against the
// authenticated dashboard prefix.
func (a *Authenticator) verifyDestination(location string) error {
	if strings.HasPrefix(location, a.dashboardPrefix) {
		return nil
	}
	return &AuthError{Step: "verify destination", Detail: "unexpected destination: " + location}
}

// captureCredentials extracts the full browser cookie jar and stamps it
// with the fixed validity window.
func (a *Authenticator) captureCredentials(ctx context.Context) (*feedback.CredentialSet, error) {
	var cookies []feedback.Cookie
	err := a.run(ctx, stepTimeout, "capture cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := cdpstorage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		cookies = make([]feedback.Cookie, 0, len(raw))
		for _, c := range raw {
			cookies = append(cookies, feedback.Cookie{Name: c.Name, Value: c.Value})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		return nil, &AuthError{Step: "capture cookies", Detail: "empty cookie jar after login"}
	}
	return newCredentialSet(cookies, a.now()), nil
}

// newCredentialSet stamps a captured cookie jar with the fixed validity
// window.
func newCredentialSet(cookies []feedback.Cookie, now time.Time) *feedback.CredentialSet {
	return &feedback.CredentialSet{
		Cookies:   cookies,
		IssuedAt:  now,
		ExpiresAt: now.Add(credentialTTL),
	}
}
