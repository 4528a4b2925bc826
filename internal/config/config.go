package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/intake-cli/internal/pipeline"
)

// Config holds the full application configuration.
type Config struct {
	Clio       ClioConfig       `yaml:"clio" mapstructure:"clio"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Poll       PollConfig       `yaml:"poll" mapstructure:"poll"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	SMTP       SMTPConfig       `yaml:"smtp" mapstructure:"smtp"`
	Booking    BookingConfig    `yaml:"booking" mapstructure:"booking"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ClioConfig holds the OAuth application and API settings for the CRM.
type ClioConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri" mapstructure:"redirect_uri"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	AccessToken  string `yaml:"access_token" mapstructure:"access_token"`
	RefreshToken string `yaml:"refresh_token" mapstructure:"refresh_token"`
	// TokenFile persists refreshed tokens between processes. Empty disables it.
	TokenFile     string        `yaml:"token_file" mapstructure:"token_file"`
	RateLimit     float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	FieldCacheTTL time.Duration `yaml:"field_cache_ttl" mapstructure:"field_cache_ttl"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RetryConfig is the gateway's backoff policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// PollConfig configures document readiness polling.
type PollConfig struct {
	Initial     time.Duration `yaml:"initial" mapstructure:"initial"`
	Cap         time.Duration `yaml:"cap" mapstructure:"cap"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	ClockSkew   time.Duration `yaml:"clock_skew" mapstructure:"clock_skew"`
}

// PipelineConfig configures the intake state machine.
type PipelineConfig struct {
	TargetStage    string `yaml:"target_stage" mapstructure:"target_stage"`
	DocumentName   string `yaml:"document_name" mapstructure:"document_name"`
	CalendarPrefix string `yaml:"calendar_prefix" mapstructure:"calendar_prefix"`
	StatuteYears   int    `yaml:"statute_years" mapstructure:"statute_years"`
	FirmName       string `yaml:"firm_name" mapstructure:"firm_name"`
	// ReminderDays is the lead time of the calendar reminder. Negative disables it.
	ReminderDays int `yaml:"reminder_days" mapstructure:"reminder_days"`
}

// SMTPConfig configures outbound mail.
type SMTPConfig struct {
	Host     string        `yaml:"host" mapstructure:"host"`
	Port     int           `yaml:"port" mapstructure:"port"`
	Username string        `yaml:"username" mapstructure:"username"`
	Password string        `yaml:"password" mapstructure:"password"`
	From     string        `yaml:"from" mapstructure:"from"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// BookingConfig holds the consultation links per delivery mode.
type BookingConfig struct {
	InOffice string `yaml:"in_office" mapstructure:"in_office"`
	Virtual  string `yaml:"virtual" mapstructure:"virtual"`
}

// NotifyConfig selects the notification driver: "smtp" or "log".
type NotifyConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background run health checker. An empty
// WebhookURL disables alert delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INTAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key needs one so AutomaticEnv can see it on Unmarshal.
	v.SetDefault("clio.client_id", "")
	v.SetDefault("clio.client_secret", "")
	v.SetDefault("clio.redirect_uri", "http://localhost:8000/api/clio/callback")
	v.SetDefault("clio.base_url", "https://app.clio.com")
	v.SetDefault("clio.access_token", "")
	v.SetDefault("clio.refresh_token", "")
	v.SetDefault("clio.token_file", ".clio_tokens.yaml")
	v.SetDefault("clio.rate_limit", 4.0)
	v.SetDefault("clio.field_cache_ttl", time.Hour)
	v.SetDefault("clio.timeout", 30*time.Second)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("poll.initial", 2*time.Second)
	v.SetDefault("poll.cap", 15*time.Second)
	v.SetDefault("poll.timeout", pipeline.DefaultDocumentTimeout)
	v.SetDefault("poll.max_attempts", 0)
	v.SetDefault("poll.clock_skew", pipeline.DefaultClockSkew)
	v.SetDefault("pipeline.target_stage", pipeline.DefaultTargetStage)
	v.SetDefault("pipeline.document_name", pipeline.DefaultDocumentName)
	v.SetDefault("pipeline.calendar_prefix", pipeline.DefaultCalendarPrefix)
	v.SetDefault("pipeline.statute_years", pipeline.DefaultStatuteYears)
	v.SetDefault("pipeline.firm_name", "")
	v.SetDefault("pipeline.reminder_days", pipeline.DefaultReminderDays)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.timeout", 30*time.Second)
	v.SetDefault("booking.in_office", "")
	v.SetDefault("booking.virtual", "")
	v.SetDefault("notify.driver", "smtp")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "intake.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command mode needs. Modes are
// "serve", "run", "runs" and "auth".
func (c *Config) Validate(mode string) error {
	var errs []string
	req := func(v, key string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, key+" is required")
		}
	}

	checkStore := func() {
		switch c.Store.Driver {
		case "sqlite":
		case "postgres":
			req(c.Store.DatabaseURL, "store.database_url")
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
	}
	checkOAuth := func() {
		req(c.Clio.ClientID, "clio.client_id")
		req(c.Clio.ClientSecret, "clio.client_secret")
	}
	checkPipeline := func() {
		checkOAuth()
		checkStore()
		if c.Retry.MaxAttempts < 1 {
			errs = append(errs, "retry.max_attempts must be >= 1")
		}
		if c.Retry.Multiplier < 1 {
			errs = append(errs, "retry.multiplier must be >= 1")
		}
		if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
			errs = append(errs, "retry.jitter must be between 0 and 1")
		}
		if c.Poll.Timeout <= 0 {
			errs = append(errs, "poll.timeout must be > 0")
		}
		if c.Pipeline.StatuteYears < 1 {
			errs = append(errs, "pipeline.statute_years must be >= 1")
		}
		req(c.Pipeline.TargetStage, "pipeline.target_stage")
		req(c.Booking.InOffice, "booking.in_office")
		req(c.Booking.Virtual, "booking.virtual")
		switch c.Notify.Driver {
		case "smtp":
			req(c.SMTP.Host, "smtp.host")
			req(c.SMTP.From, "smtp.from")
		case "log":
		default:
			errs = append(errs, "notify.driver must be smtp or log")
		}
	}

	switch mode {
	case "serve":
		checkPipeline()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if t := c.Monitoring.FailureRateThreshold; t < 0 || t > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	case "run":
		checkPipeline()
	case "runs":
		checkStore()
	case "auth":
		checkOAuth()
		req(c.Clio.RedirectURI, "clio.redirect_uri")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
