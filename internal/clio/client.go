// Package clio is the gateway to the Clio Manage v4 REST API: OAuth
// credentials, the custom field directory, matter/document/calendar
// operations, and document readiness polling.
package clio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/intake-cli/internal/model"
	"github.com/sells-group/intake-cli/internal/resilience"
)

const apiPrefix = "/api/v4"

// Client defines the CRM operations used by the pipeline.
type Client interface {
	WhoAmI(ctx context.Context) (*User, error)
	GetMatter(ctx context.Context, matterID int64) (*Matter, error)
	UpdateMatterFields(ctx context.Context, matterID int64, values []FieldValue) (*FieldUpdate, error)
	ListMatterStages(ctx context.Context, practiceAreaID int64) ([]MatterStage, error)
	UpdateMatterStage(ctx context.Context, matterID, stageID int64) (*Matter, error)
	ListDocuments(ctx context.Context, matterID int64) ([]Document, error)
	DownloadDocument(ctx context.Context, documentID int64) ([]byte, error)
	ListCalendarEntries(ctx context.Context, matterID int64) ([]CalendarEntry, error)
	CreateCalendarEntry(ctx context.Context, req CalendarEntryRequest) (*CalendarEntry, error)
	ListCustomFields(ctx context.Context) ([]CustomField, error)
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *Gateway) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Gateway) {
		c.http = hc
	}
}

// WithRetry sets the backoff policy for rate-limited and unavailable responses.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Gateway) {
		c.retry = cfg
	}
}

// WithRateLimit sets a per-second client-side request pace.
// A burst equal to the integer portion of rps is allowed.
func WithRateLimit(rps float64) Option {
	return func(c *Gateway) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithFieldNames sets the custom field names the directory requires.
func WithFieldNames(names []string) Option {
	return func(c *Gateway) {
		c.fieldNames = names
	}
}

// WithFieldTTL expires the field directory map after d.
func WithFieldTTL(d time.Duration) Option {
	return func(c *Gateway) {
		c.fieldTTL = d
	}
}

// Gateway implements Client using net/http. It owns the field directory
// used to name custom field values.
type Gateway struct {
	baseURL    string
	http       *http.Client
	tokens     TokenProvider
	retry      resilience.RetryConfig
	limiter    *rate.Limiter
	fields     *FieldDirectory
	fieldNames []string
	fieldTTL   time.Duration
	now        func() time.Time
}

// NewClient creates a gateway that authenticates with tokens.
func NewClient(tokens TokenProvider, opts ...Option) *Gateway {
	c := &Gateway{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		retry:   resilience.DefaultRetryConfig(),
		now:     time.Now,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fields = NewFieldDirectory(c, c.fieldNames, c.fieldTTL)
	return c
}

// Fields returns the gateway's field directory.
func (c *Gateway) Fields() *FieldDirectory {
	return c.fields
}

// BaseURL returns the CRM host the gateway talks to.
func (c *Gateway) BaseURL() string {
	return c.baseURL
}

// MatterURL returns the web UI link for a matter.
func MatterURL(baseURL string, matterID int64) string {
	return fmt.Sprintf("%s/nc/#/matters/%d", strings.TrimRight(baseURL, "/"), matterID)
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	etag   string
	// rawURL, when set, replaces baseURL+path+query (pagination links).
	rawURL string
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// call sends r with the retry policy. Rate limits and unavailability are
// retried with backoff; an authentication rejection from the API invalidates
// the token and retries once. A rejected refresh carries no token and is
// returned as is.
func (c *Gateway) call(ctx context.Context, op string, r request) (*response, error) {
	cfg := c.retry
	cfg.OnRetry = resilience.Chain(resilience.RetryLogger("clio", op), c.retry.OnRetry)

	authRetried := false
	for {
		resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*response, error) {
			return c.send(ctx, op, r)
		})
		if err == nil {
			return resp, nil
		}

		var ce *Error
		if errors.As(err, &ce) && ce.token != "" && ce.StatusCode == http.StatusUnauthorized && !authRetried {
			authRetried = true
			c.tokens.Invalidate(ce.token)
			continue
		}
		return nil, c.classify(ctx, op, err)
	}
}

func (c *Gateway) send(ctx context.Context, op string, r request) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "clio: rate limit")
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if model.ReasonOf(err) == model.ReasonRemoteUnavailable {
			return nil, resilience.NewTransientError(err, 0)
		}
		return nil, err
	}

	target := r.rawURL
	if target == "" {
		target = c.baseURL + r.path
		if len(r.query) > 0 {
			target += "?" + r.query.Encode()
		}
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, eris.Wrap(err, fmt.Sprintf("clio: %s: marshal request", op))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("clio: %s: create request", op))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.etag != "" {
		req.Header.Set("IF-MATCH", r.etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), fmt.Sprintf("clio: %s", op))
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, fmt.Sprintf("clio: %s", op)), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, fmt.Sprintf("clio: %s: read response", op)), resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
	}

	apiErr := &Error{
		Reason:     reasonForStatus(resp.StatusCode, string(data)),
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       string(data),
		token:      token,
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, &resilience.TransientError{
			Err:        apiErr,
			StatusCode: resp.StatusCode,
			RetryAfter: resilience.ParseRetryAfter(resp.Header, c.now()),
		}
	}
	return nil, apiErr
}

// classify turns the final error of a call into a typed *Error.
func (c *Gateway) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: model.ReasonCancelled, Op: op, Err: err}
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	var te *resilience.TransientError
	if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
		return &Error{Reason: model.ReasonRateLimitExceeded, Op: op, StatusCode: te.StatusCode, Err: err}
	}
	var r model.Reasoner
	if errors.As(err, &r) {
		return err
	}
	return &Error{Reason: model.ReasonRemoteUnavailable, Op: op, Err: err}
}

func (c *Gateway) getJSON(ctx context.Context, op, path string, q url.Values, out any) error {
	resp, err := c.call(ctx, op, request{method: http.MethodGet, path: path, query: q})
	if err != nil {
		return err
	}
	return decode(op, resp.body, out)
}

func (c *Gateway) sendJSON(ctx context.Context, op, method, path string, q url.Values, etag string, body, out any) error {
	resp, err := c.call(ctx, op, request{method: method, path: path, query: q, body: body, etag: etag})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(op, resp.body, out)
}

// listAll follows meta.paging.next links until the listing is exhausted.
func listAll[T any](ctx context.Context, c *Gateway, op, path string, q url.Values) ([]T, error) {
	var all []T
	r := request{method: http.MethodGet, path: path, query: q}
	for page := 0; ; page++ {
		if page > 1000 {
			return nil, &Error{Reason: model.ReasonRemoteRejected, Op: op, Err: eris.New("pagination did not terminate")}
		}
		resp, err := c.call(ctx, op, r)
		if err != nil {
			return nil, err
		}
		var env envelope[[]T]
		if err := decode(op, resp.body, &env); err != nil {
			return nil, err
		}
		all = append(all, env.Data...)
		next := env.Meta.Paging.Next
		if next == "" {
			return all, nil
		}
		r = request{method: http.MethodGet, rawURL: next}
	}
}

func decode(op string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{
			Reason: model.ReasonRemoteUnavailable,
			Op:     op,
			Body:   truncate(string(body), 200),
			Err:    eris.Wrap(err, "decode response"),
		}
	}
	return nil
}
