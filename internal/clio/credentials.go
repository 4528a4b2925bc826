package clio

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/intake-cli/internal/model"
)

// DefaultBaseURL is the CRM's US region host.
const DefaultBaseURL = "https://app.clio.com"

const defaultExpirySkew = 60 * time.Second

// TokenState is the OAuth token pair held by Credentials.
type TokenState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// TokenProvider hands out access tokens and accepts rejection reports.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// OAuthConfig identifies the registered OAuth application.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BaseURL      string
}

// CredentialOption configures Credentials.
type CredentialOption func(*Credentials)

// WithTokenHTTPClient sets the HTTP client used against the token endpoint.
func WithTokenHTTPClient(hc *http.Client) CredentialOption {
	return func(c *Credentials) {
		c.http = hc
	}
}

// WithExpirySkew treats tokens as expired this long before their expiry.
func WithExpirySkew(d time.Duration) CredentialOption {
	return func(c *Credentials) {
		if d >= 0 {
			c.skew = d
		}
	}
}

// WithOnRefresh registers a hook that receives every newly issued token pair.
func WithOnRefresh(fn func(TokenState)) CredentialOption {
	return func(c *Credentials) {
		c.onRefresh = fn
	}
}

// WithCredentialsClock overrides time.Now.
func WithCredentialsClock(now func() time.Time) CredentialOption {
	return func(c *Credentials) {
		c.now = now
	}
}

// Credentials owns the OAuth token pair. Reads of a valid token are
// concurrent; refreshes are single-flight and never run under the lock.
type Credentials struct {
	oauth     *oauth2.Config
	http      *http.Client
	skew      time.Duration
	now       func() time.Time
	onRefresh func(TokenState)

	mu    sync.RWMutex
	state TokenState
	stale bool

	group     singleflight.Group
	refreshes atomic.Int64
}

// NewCredentials creates a Credentials seeded with the initial token pair.
func NewCredentials(cfg OAuthConfig, initial TokenState, opts ...CredentialOption) *Credentials {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Credentials{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		skew:  defaultExpirySkew,
		now:   time.Now,
		state: initial,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid access token, refreshing it first when it is
// missing, expired, or was invalidated. Concurrent callers share one refresh.
func (c *Credentials) Token(ctx context.Context) (string, error) {
	if tok, ok := c.current(); ok {
		return tok, nil
	}
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "clio: token")
	}

	// The refresh outlives any single caller so a cancelled waiter does not
	// abort the round-trip the others are waiting on.
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", eris.Wrap(ctx.Err(), "clio: wait for token refresh")
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate marks token stale if it is still the current token. Reports
// about an already-replaced token are ignored.
func (c *Credentials) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != "" && token == c.state.AccessToken {
		c.stale = true
	}
}

// State returns a copy of the current token pair.
func (c *Credentials) State() TokenState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Authorized reports whether a refresh token is held.
func (c *Credentials) Authorized() bool {
	return c.State().RefreshToken != ""
}

// Refreshes returns how many refresh round-trips have completed.
func (c *Credentials) Refreshes() int64 {
	return c.refreshes.Load()
}

// AuthCodeURL returns the authorization page URL for the given anti-forgery state.
func (c *Credentials) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair and installs it.
func (c *Credentials) Exchange(ctx context.Context, code string) (TokenState, error) {
	if strings.TrimSpace(code) == "" {
		return TokenState{}, eris.New("clio: authorization code is required")
	}
	tok, err := c.oauth.Exchange(c.tokenContext(ctx), code)
	if err != nil {
		return TokenState{}, c.tokenError("exchange authorization code", err)
	}
	st := c.install(tok)
	zap.L().Info("clio: authorization code exchanged", zap.Time("expiry", st.Expiry))
	return st, nil
}

func (c *Credentials) current() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stale || c.state.AccessToken == "" {
		return "", false
	}
	if !c.state.Expiry.IsZero() && !c.now().Add(c.skew).Before(c.state.Expiry) {
		return "", false
	}
	return c.state.AccessToken, true
}

func (c *Credentials) refresh(ctx context.Context) (string, error) {
	// A refresh that finished just before this flight started already
	// produced a usable token.
	if tok, ok := c.current(); ok {
		return tok, nil
	}

	rt := c.State().RefreshToken
	if rt == "" {
		return "", &Error{
			Reason: model.ReasonCredentialsExhausted,
			Op:     "refresh token",
			Err:    eris.New("no refresh token held; re-authorize the application"),
		}
	}

	tok, err := c.oauth.TokenSource(c.tokenContext(ctx), &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		return "", c.tokenError("refresh token", err)
	}
	st := c.install(tok)
	c.refreshes.Add(1)
	zap.L().Debug("clio: access token refreshed", zap.Time("expiry", st.Expiry))
	return st.AccessToken, nil
}

func (c *Credentials) install(tok *oauth2.Token) TokenState {
	c.mu.Lock()
	st := TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if st.RefreshToken == "" {
		st.RefreshToken = c.state.RefreshToken
	}
	c.state = st
	c.stale = false
	c.mu.Unlock()

	if c.onRefresh != nil {
		c.onRefresh(st)
	}
	return st
}

func (c *Credentials) tokenContext(ctx context.Context) context.Context {
	if c.http == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Credentials) tokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return &Error{
				Reason:     model.ReasonCredentialsExhausted,
				Op:         op,
				StatusCode: status,
				Body:       string(re.Body),
				Err:        err,
			}
		}
		return &Error{
			Reason:     reasonForStatus(status, string(re.Body)),
			Op:         op,
			StatusCode: status,
			Body:       string(re.Body),
			Err:        err,
		}
	}
	return &Error{Reason: model.ReasonRemoteUnavailable, Op: op, Err: err}
}
