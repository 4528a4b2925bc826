package clio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-cli/internal/model"
)

const (
	defaultPollInitial = 2 * time.Second
	defaultPollCap     = 15 * time.Second
	defaultPollTimeout = 5 * time.Minute
)

// DocumentLister lists a matter's documents.
type DocumentLister interface {
	ListDocuments(ctx context.Context, matterID int64) ([]Document, error)
}

// PollOption configures polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial     time.Duration
	cap         time.Duration
	maxAttempts int
	nameFilter  string
}

func defaultPollConfig() pollConfig {
	return pollConfig{
		initial: defaultPollInitial,
		cap:     defaultPollCap,
	}
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.initial = d
		}
	}
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.cap = d
		}
	}
}

// WithMaxPolls stops after n listing calls even if the timeout has not elapsed.
func WithMaxPolls(n int) PollOption {
	return func(c *pollConfig) {
		c.maxAttempts = n
	}
}

// WithNameContains only accepts documents whose name contains s (case-insensitive).
func WithNameContains(s string) PollOption {
	return func(c *pollConfig) {
		c.nameFilter = strings.ToLower(strings.TrimSpace(s))
	}
}

// WaitForDocument polls the matter's documents until one created strictly
// after createdAfter is fully uploaded, or timeout elapses. A zero
// createdAfter accepts any document. Uses exponential backoff: 2s -> 4s ->
// 8s -> 15s (capped).
//
// Timing out yields a ReasonDocumentNotReady error even when older documents
// exist. Cancellation of ctx yields ReasonCancelled. Rate limits and remote
// unavailability during polling are tolerated until the timeout.
func WaitForDocument(ctx context.Context, lister DocumentLister, matterID int64, createdAfter time.Time, timeout time.Duration, opts ...PollOption) (*Document, error) {
	cfg := defaultPollConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	notReady := func(polls int, cause error) error {
		return &Error{
			Reason: model.ReasonDocumentNotReady,
			Op:     "wait for document",
			Err: eris.Wrap(cause, fmt.Sprintf("no ready document on matter %d created after %s after %d polls",
				matterID, createdAfter.UTC().Format(time.RFC3339), polls)),
		}
	}
	cancelled := func() error {
		return &Error{Reason: model.ReasonCancelled, Op: "wait for document", Err: ctx.Err()}
	}

	interval := cfg.initial
	for polls := 1; ; polls++ {
		docs, err := lister.ListDocuments(pollCtx, matterID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled()
			}
			if pollCtx.Err() != nil {
				return nil, notReady(polls, pollCtx.Err())
			}
			switch model.ReasonOf(err) {
			case model.ReasonRemoteUnavailable, model.ReasonRateLimitExceeded:
				zap.L().Warn("clio: document poll failed, will retry",
					zap.Int64("matter_id", matterID),
					zap.Int("poll", polls),
					zap.Error(err),
				)
			default:
				return nil, eris.Wrap(err, fmt.Sprintf("clio: poll documents for matter %d", matterID))
			}
		} else if doc := newestReady(docs, createdAfter, cfg.nameFilter); doc != nil {
			zap.L().Debug("clio: document ready",
				zap.Int64("matter_id", matterID),
				zap.Int64("document_id", doc.ID),
				zap.Int("polls", polls),
			)
			return doc, nil
		}

		if cfg.maxAttempts > 0 && polls >= cfg.maxAttempts {
			return nil, notReady(polls, eris.New("poll ceiling reached"))
		}

		timer := time.NewTimer(interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, cancelled()
			}
			return nil, notReady(polls, pollCtx.Err())
		case <-timer.C:
		}

		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
	}
}

func newestReady(docs []Document, createdAfter time.Time, nameFilter string) *Document {
	var best *Document
	for i := range docs {
		d := &docs[i]
		if !createdAfter.IsZero() && !d.CreatedAt.After(createdAfter) {
			continue
		}
		if !d.Uploaded() {
			continue
		}
		if nameFilter != "" && !strings.Contains(strings.ToLower(d.Name), nameFilter) {
			continue
		}
		if best == nil || d.CreatedAt.After(best.CreatedAt) {
			best = d
		}
	}
	return best
}
