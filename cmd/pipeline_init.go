package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intake-cli/internal/clio"
	"github.com/sells-group/intake-cli/internal/config"
	"github.com/sells-group/intake-cli/internal/notify"
	"github.com/sells-group/intake-cli/internal/pipeline"
	"github.com/sells-group/intake-cli/internal/resilience"
	"github.com/sells-group/intake-cli/internal/store"
)

// pipelineEnv holds the clients, store and orchestrator needed by the
// run and serve commands.
type pipelineEnv struct {
	Store       store.Store
	Credentials *clio.Credentials
	CRM         *clio.Gateway
	Pipeline    *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates the config for mode, opens the store, and builds the
// CRM gateway, sender and orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, c *config.Config, mode string) (*pipelineEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	creds, err := initCredentials(c.Clio)
	if err != nil {
		return nil, err
	}

	sender, err := initSender(c)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}

	crm := initGateway(c, creds)
	orch := pipeline.New(crm, sender, st, pipelineConfig(c), pipeline.WithRecorder(st))

	zap.L().Info("pipeline: environment ready",
		zap.String("store", c.Store.Driver),
		zap.String("notify", c.Notify.Driver),
		zap.Bool("authorized", creds.Authorized()),
	)

	return &pipelineEnv{
		Store:       st,
		Credentials: creds,
		CRM:         crm,
		Pipeline:    orch,
	}, nil
}

// initCredentials seeds the credential manager from the token file or config
// and persists every refreshed pair back to the token file.
func initCredentials(c config.ClioConfig) (*clio.Credentials, error) {
	initial, err := c.InitialTokens()
	if err != nil {
		return nil, err
	}

	var opts []clio.CredentialOption
	if c.Timeout > 0 {
		opts = append(opts, clio.WithTokenHTTPClient(&http.Client{Timeout: c.Timeout}))
	}
	if c.TokenFile != "" {
		path := c.TokenFile
		opts = append(opts, clio.WithOnRefresh(func(st clio.TokenState) {
			if err := config.SaveTokens(path, st); err != nil {
				zap.L().Warn("clio: persist refreshed tokens failed", zap.String("path", path), zap.Error(err))
			}
		}))
	}

	return clio.NewCredentials(clio.OAuthConfig{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		BaseURL:      c.BaseURL,
	}, initial, opts...), nil
}

func initGateway(c *config.Config, creds *clio.Credentials) *clio.Gateway {
	opts := []clio.Option{
		clio.WithBaseURL(c.Clio.BaseURL),
		clio.WithRetry(resilience.FromRetryConfig(
			c.Retry.MaxAttempts,
			c.Retry.InitialBackoff,
			c.Retry.MaxBackoff,
			c.Retry.Multiplier,
			c.Retry.Jitter,
		)),
		clio.WithRateLimit(c.Clio.RateLimit),
		clio.WithFieldTTL(c.Clio.FieldCacheTTL),
	}
	if c.Clio.Timeout > 0 {
		opts = append(opts, clio.WithHTTPClient(&http.Client{Timeout: c.Clio.Timeout}))
	}
	return clio.NewClient(creds, opts...)
}

func initSender(c *config.Config) (notify.Sender, error) {
	switch c.Notify.Driver {
	case "log":
		return notify.LogSender{}, nil
	case "", "smtp":
		s, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     c.SMTP.Host,
			Port:     c.SMTP.Port,
			Username: c.SMTP.Username,
			Password: c.SMTP.Password,
			From:     c.SMTP.From,
			Timeout:  c.SMTP.Timeout,
		})
		if err != nil {
			return nil, eris.Wrap(err, "init sender")
		}
		return s, nil
	default:
		return nil, eris.Errorf("init sender: unknown notify driver %q", c.Notify.Driver)
	}
}

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:      c.Store.Driver,
		DatabaseURL: c.Store.DatabaseURL,
		Pool:        store.PoolConfig{MaxConns: c.Store.MaxConns},
	})
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return st, nil
}

func pipelineConfig(c *config.Config) pipeline.Config {
	return pipeline.Config{
		TargetStage:     c.Pipeline.TargetStage,
		StatuteYears:    c.Pipeline.StatuteYears,
		ClockSkew:       c.Poll.ClockSkew,
		DocumentTimeout: c.Poll.Timeout,
		PollInitial:     c.Poll.Initial,
		PollCap:         c.Poll.Cap,
		PollMaxAttempts: c.Poll.MaxAttempts,
		DocumentName:    c.Pipeline.DocumentName,
		CalendarPrefix:  c.Pipeline.CalendarPrefix,
		FirmName:        c.Pipeline.FirmName,
		ReminderDays:    c.Pipeline.ReminderDays,
		Booking: pipeline.BookingLinks{
			InOffice: c.Booking.InOffice,
			Virtual:  c.Booking.Virtual,
		},
		BaseURL: c.Clio.BaseURL,
	}
}
