// Package config loads redloop runtime configuration from a TOML file and
// environment variables, exposing typed structs and accessors for all sections.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Connection driver names accepted by llm.connection.
const (
	// ConnectionOpenAILib talks to OpenAI-compatible backends through the
	// official SDK client.
	ConnectionOpenAILib = "openai-lib"
	// ConnectionOpenAIREST talks to OpenAI-compatible backends with plain
	// HTTP requests and redloop's own retry loop.
	ConnectionOpenAIREST = "openai-rest"
	// ConnectionAnthropic talks to the Anthropic API through its SDK.
	ConnectionAnthropic = "anthropic"
)

// Config is the runtime configuration loaded from defaults, config.toml, and
// environment variables.
type Config struct {
	// HomeDir is runtime-resolved from REDLOOP_HOME and not read from config.
	HomeDir  string         `mapstructure:"-"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Target   TargetConfig   `mapstructure:"target"`
	Run      RunConfig      `mapstructure:"run"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Costs    CostsConfig    `mapstructure:"costs"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// LLMConfig configures the LLM connection. Every field is fixed for the
// lifetime of a connector; drivers resolve their endpoint and tokenizer
// binding from these values exactly once at construction.
type LLMConfig struct {
	Connection      string        `mapstructure:"connection"`
	Preset          string        `mapstructure:"preset"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	ContextSize     int           `mapstructure:"context_size"`
	APIURL          string        `mapstructure:"api_url"`
	APIPath         string        `mapstructure:"api_path"`
	Timeout         time.Duration `mapstructure:"api_timeout"`
	Retries         int           `mapstructure:"api_retries"`
	Backoff         time.Duration `mapstructure:"api_backoff"`
	UseOpenRouter   bool          `mapstructure:"use_openrouter"`
	OpenRouterURL   string        `mapstructure:"openrouter_base_url"`
	TokenizerURL    string        `mapstructure:"tokenizer_url"`
	TokenizerAPIKey string        `mapstructure:"tokenizer_api_key"`
	FallbackEncoder bool          `mapstructure:"fallback_encoder"`
	MaxTokens       int           `mapstructure:"max_tokens"`
}

// TargetConfig configures the SSH target under assessment.
type TargetConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Hostname is a safety check: when set, the connection is rejected if the
	// remote host reports a different name.
	Hostname       string        `mapstructure:"hostname"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// RunConfig controls assessment run behavior.
type RunConfig struct {
	MaxRounds       int    `mapstructure:"max_rounds"`
	Tag             string `mapstructure:"tag"`
	UpdateState     bool   `mapstructure:"update_state"`
	AnalyzeResponse bool   `mapstructure:"analyze_response"`
}

// GuardConfig controls the command guard applied before any proposed command
// is executed on the target.
type GuardConfig struct {
	DenyCommands []string `mapstructure:"deny_commands"`
	Confirm      bool     `mapstructure:"confirm"`
}

// CostsConfig defines usage tracking and soft USD spending limits.
type CostsConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DailyLimit   float64 `mapstructure:"daily_limit"`
	MonthlyLimit float64 `mapstructure:"monthly_limit"`
}

// NotifyConfig configures the Telegram run notifier.
type NotifyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// ScheduleConfig configures recurring assessment runs.
type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

var defaultConfig = Config{
	LLM: LLMConfig{
		Connection:      ConnectionOpenAILib,
		APIKey:          "",
		Model:           "gpt-3.5-turbo",
		ContextSize:     16385,
		APIURL:          "https://api.openai.com",
		APIPath:         "/v1/chat/completions",
		Timeout:         240 * time.Second,
		Retries:         3,
		Backoff:         60 * time.Second,
		UseOpenRouter:   false,
		OpenRouterURL:   "https://openrouter.ai/api/v1",
		TokenizerURL:    "https://generativelanguage.googleapis.com/v1beta",
		TokenizerAPIKey: "$GEMINI_API_KEY",
		FallbackEncoder: false,
		MaxTokens:       8192,
	},
	Target: TargetConfig{
		Host:           "127.0.0.1",
		Port:           22,
		Username:       "lowpriv",
		Password:       "",
		Hostname:       "",
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 5 * time.Minute,
	},
	Run: RunConfig{
		MaxRounds:       10,
		Tag:             "",
		UpdateState:     true,
		AnalyzeResponse: false,
	},
	Guard: GuardConfig{
		// Token patterns: "*" alone spans tokens, a wildcard inside a token
		// globs that token. The full command must match.
		DenyCommands: []string{
			"rm -rf /* *",
			"mkfs* *",
			"dd * of=/dev/* *",
			"shutdown *",
			"reboot *",
			"halt *",
			"poweroff *",
		},
		Confirm: false,
	},
	Costs: CostsConfig{
		Enabled:      true,
		DailyLimit:   0,
		MonthlyLimit: 0,
	},
	Notify: NotifyConfig{
		Enabled:        false,
		TelegramToken:  "",
		TelegramChatID: 0,
	},
	Schedule: ScheduleConfig{
		Enabled: false,
		Cron:    "",
	},
}

// defaultUserConfig is the minimal bootstrap config written for first-time
// users. It intentionally contains only user-editable essentials and not the
// full runtime default surface.
var defaultUserConfig = Config{
	LLM: LLMConfig{
		Connection:  ConnectionOpenAILib,
		APIKey:      "$OPENAI_API_KEY",
		Model:       "gpt-3.5-turbo",
		ContextSize: 16385,
	},
	Target: TargetConfig{
		Host:     "127.0.0.1",
		Port:     22,
		Username: "lowpriv",
		Password: "$TARGET_PASSWORD",
	},
	Run: RunConfig{
		MaxRounds: 10,
	},
}

// HomeDir returns the redloop home directory.
// Uses REDLOOP_HOME env var if set, otherwise defaults to ~/.redloop.
func HomeDir() (string, error) {
	if dir := os.Getenv("REDLOOP_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return defaultHomePath(home), nil
}

// Load merges hardcoded defaults and config file values in that order.
// The runtime data directory is REDLOOP_HOME/data (default: ~/.redloop/data).
// Config is always at $REDLOOP_HOME/config.toml.
func Load() (*Config, error) {
	// A .env in the working directory keeps target credentials and API keys
	// out of config.toml; expansion happens through $VAR references there.
	_ = godotenv.Load()

	homeDir, err := HomeDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(homeDir))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		secondsToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)

	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HomeDir = homeDir

	if cfg.LLM.Preset != "" {
		if err := applyPreset(&cfg.LLM, v.InConfig); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Write writes the merged configuration (defaults overlaid by user
// config) to w in TOML format.
func Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}

	homeDir, err := HomeDir()
	if err != nil {
		return err
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(homeConfigPath(homeDir))
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	// Keep duration fields human-readable in generated TOML.
	v.Set("llm.api_timeout", v.GetDuration("llm.api_timeout").String())
	v.Set("llm.api_backoff", v.GetDuration("llm.api_backoff").String())
	v.Set("target.connect_timeout", v.GetDuration("target.connect_timeout").String())
	v.Set("target.command_timeout", v.GetDuration("target.command_timeout").String())

	if err := v.WriteConfigTo(w); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultUserConfigTOML renders the minimal bootstrap user config as TOML.
func DefaultUserConfigTOML() (string, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.Set("llm.connection", defaultUserConfig.LLM.Connection)
	v.Set("llm.api_key", defaultUserConfig.LLM.APIKey)
	v.Set("llm.model", defaultUserConfig.LLM.Model)
	v.Set("llm.context_size", defaultUserConfig.LLM.ContextSize)
	v.Set("target.host", defaultUserConfig.Target.Host)
	v.Set("target.port", defaultUserConfig.Target.Port)
	v.Set("target.username", defaultUserConfig.Target.Username)
	v.Set("target.password", defaultUserConfig.Target.Password)
	v.Set("run.max_rounds", defaultUserConfig.Run.MaxRounds)

	var out bytes.Buffer
	if err := v.WriteConfigTo(&out); err != nil {
		return "", fmt.Errorf("write default user config: %w", err)
	}
	return out.String(), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.connection", defaultConfig.LLM.Connection)
	v.SetDefault("llm.preset", defaultConfig.LLM.Preset)
	v.SetDefault("llm.api_key", defaultConfig.LLM.APIKey)
	v.SetDefault("llm.model", defaultConfig.LLM.Model)
	v.SetDefault("llm.context_size", defaultConfig.LLM.ContextSize)
	v.SetDefault("llm.api_url", defaultConfig.LLM.APIURL)
	v.SetDefault("llm.api_path", defaultConfig.LLM.APIPath)
	v.SetDefault("llm.api_timeout", defaultConfig.LLM.Timeout)
	v.SetDefault("llm.api_retries", defaultConfig.LLM.Retries)
	v.SetDefault("llm.api_backoff", defaultConfig.LLM.Backoff)
	v.SetDefault("llm.use_openrouter", defaultConfig.LLM.UseOpenRouter)
	v.SetDefault("llm.openrouter_base_url", defaultConfig.LLM.OpenRouterURL)
	v.SetDefault("llm.tokenizer_url", defaultConfig.LLM.TokenizerURL)
	v.SetDefault("llm.tokenizer_api_key", defaultConfig.LLM.TokenizerAPIKey)
	v.SetDefault("llm.fallback_encoder", defaultConfig.LLM.FallbackEncoder)
	v.SetDefault("llm.max_tokens", defaultConfig.LLM.MaxTokens)

	v.SetDefault("target.host", defaultConfig.Target.Host)
	v.SetDefault("target.port", defaultConfig.Target.Port)
	v.SetDefault("target.username", defaultConfig.Target.Username)
	v.SetDefault("target.password", defaultConfig.Target.Password)
	v.SetDefault("target.hostname", defaultConfig.Target.Hostname)
	v.SetDefault("target.connect_timeout", defaultConfig.Target.ConnectTimeout)
	v.SetDefault("target.command_timeout", defaultConfig.Target.CommandTimeout)

	v.SetDefault("run.max_rounds", defaultConfig.Run.MaxRounds)
	v.SetDefault("run.tag", defaultConfig.Run.Tag)
	v.SetDefault("run.update_state", defaultConfig.Run.UpdateState)
	v.SetDefault("run.analyze_response", defaultConfig.Run.AnalyzeResponse)

	v.SetDefault("guard.deny_commands", defaultConfig.Guard.DenyCommands)
	v.SetDefault("guard.confirm", defaultConfig.Guard.Confirm)

	v.SetDefault("costs.enabled", defaultConfig.Costs.Enabled)
	v.SetDefault("costs.daily_limit", defaultConfig.Costs.DailyLimit)
	v.SetDefault("costs.monthly_limit", defaultConfig.Costs.MonthlyLimit)

	v.SetDefault("notify.enabled", defaultConfig.Notify.Enabled)
	v.SetDefault("notify.telegram_token", defaultConfig.Notify.TelegramToken)
	v.SetDefault("notify.telegram_chat_id", defaultConfig.Notify.TelegramChatID)

	v.SetDefault("schedule.enabled", defaultConfig.Schedule.Enabled)
	v.SetDefault("schedule.cron", defaultConfig.Schedule.Cron)
}

// Validatable is implemented by config sections that can self-validate.
type Validatable interface {
	Validate() error
}

// Validate checks required connection fields and driver-specific rules.
func (c LLMConfig) Validate() error {
	switch c.Connection {
	case ConnectionOpenAILib, ConnectionOpenAIREST, ConnectionAnthropic:
	case "":
		return errors.New("connection is required")
	default:
		return fmt.Errorf("unsupported connection %q", c.Connection)
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.ContextSize <= 0 {
		return errors.New("context_size must be > 0")
	}
	if c.Timeout <= 0 {
		return errors.New("api_timeout must be > 0")
	}
	if c.Retries < 0 {
		return errors.New("api_retries must be >= 0")
	}
	if c.Backoff <= 0 {
		return errors.New("api_backoff must be > 0")
	}
	if c.UseOpenRouter && c.OpenRouterURL == "" {
		return errors.New("openrouter_base_url is required when use_openrouter=true")
	}
	return nil
}

// Validate checks required target fields.
func (c TargetConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be > 0")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command_timeout must be > 0")
	}
	return nil
}

// Validate checks run loop bounds.
func (c RunConfig) Validate() error {
	if c.MaxRounds <= 0 {
		return errors.New("max_rounds must be > 0")
	}
	return nil
}

// Validate validates guard settings.
func (c GuardConfig) Validate() error {
	return nil
}

// Validate validates cost limits.
func (c CostsConfig) Validate() error {
	if c.DailyLimit < 0 || c.MonthlyLimit < 0 {
		return errors.New("spending limits must be >= 0")
	}
	return nil
}

// Validate checks required notifier fields when notifications are enabled.
func (c NotifyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TelegramToken == "" {
		return errors.New("telegram_token is required when enabled=true")
	}
	if c.TelegramChatID == 0 {
		return errors.New("telegram_chat_id is required when enabled=true")
	}
	return nil
}

// Validate checks the cron expression is present when scheduling is enabled.
func (c ScheduleConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Cron == "" {
		return errors.New("cron is required when enabled=true")
	}
	return nil
}

// Validate validates startup configuration and returns the first fatal error.
func (cfg *Config) Validate() error {
	var errs []error

	if err := cfg.LLM.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("llm: %w", err))
	}
	if err := cfg.Target.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("target: %w", err))
	}
	if err := cfg.Run.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("run: %w", err))
	}
	if err := cfg.Guard.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("guard: %w", err))
	}
	if err := cfg.Costs.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("costs: %w", err))
	}
	if err := cfg.Notify.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("notify: %w", err))
	}
	if err := cfg.Schedule.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}

// secondsToDurationHook accepts bare numbers for duration fields, read as
// seconds. "api_backoff = 60" and "api_backoff = \"60s\"" are equivalent.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int32:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}
