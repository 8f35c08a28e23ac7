package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/connectauth/connectauth/internal/subprocess"
)

const (
	defaultExecutablePath    = `C:\Program Files\Common Files\Bentley Shared\CONNECTION Client\Bentley.Connect.Client.exe`
	defaultWindowTitle       = "CONNECTION Client"
	defaultConnectDeadline   = 20 * time.Second
	defaultLoginDeadline     = 30 * time.Second
	defaultLogoutDeadline    = 10 * time.Second
	defaultPollInterval      = time.Second
	defaultSettleDelay       = time.Second
	defaultLogoutSettleDelay = 2 * time.Second
	defaultPostLogoutDelay   = 500 * time.Millisecond
	defaultIdentifierRetries = 3
	defaultAttempts          = 1
	defaultLockTimeout       = 2 * time.Minute
	defaultLogLevel          = "info"
	defaultHelperTimeout     = 15 * time.Second

	dirName  = ".connectauth"
	fileName = "config.toml"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ExecutablePath    string
	WindowTitle       string
	ConnectDeadline   time.Duration
	LoginDeadline     time.Duration
	LogoutDeadline    time.Duration
	PollInterval      time.Duration
	SettleDelay       time.Duration
	LogoutSettleDelay time.Duration
	PostLogoutDelay   time.Duration
	IdentifierRetries int
	Attempts          int
	LockTimeout       time.Duration
	LogLevel          string
	Helper            HelperConfig
	Selectors         map[string]SelectorConfig
	OTelEndpoint      string
	// Sources lists the files that were overlaid, in order.
	Sources []string
}

// HelperConfig locates the UI-automation helper executable.
type HelperConfig struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// SelectorConfig overrides one named control selector. Empty fields keep the built-in value.
type SelectorConfig struct {
	Title        string
	AutomationID string
	ControlType  string
}

type fileConfig struct {
	ExecutablePath    *string           `toml:"executable_path"`
	WindowTitle       *string           `toml:"window_title"`
	ConnectDeadline   *string           `toml:"connect_deadline"`
	LoginDeadline     *string           `toml:"login_deadline"`
	LogoutDeadline    *string           `toml:"logout_deadline"`
	PollInterval      *string           `toml:"poll_interval"`
	SettleDelay       *string           `toml:"settle_delay"`
	LogoutSettleDelay *string           `toml:"logout_settle_delay"`
	PostLogoutDelay   *string           `toml:"post_logout_delay"`
	IdentifierRetries *int              `toml:"identifier_retries"`
	Attempts          *int              `toml:"attempts"`
	LockTimeout       *string           `toml:"lock_timeout"`
	LogLevel          *string           `toml:"log_level"`
	Helper            *helperFileConfig `toml:"helper"`
	OTEL              *otelFileConfig   `toml:"otel"`
}

type helperFileConfig struct {
	Path    *string   `toml:"path"`
	Args    *[]string `toml:"args"`
	Timeout *string   `toml:"timeout"`
}

type otelFileConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.connectauth/config.toml and overlays a
// project-local .connectauth/config.toml. A non-empty explicit path is
// overlaid last and must exist.
func Load(ctx context.Context, explicit string) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, dirName, fileName),
		filepath.Join(workingDir, dirName, fileName),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("config file %q: %w", explicit, err)
		}
		if err := overlayFromFile(&cfg, explicit); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return defaults()
}

func defaults() Config {
	return Config{
		ExecutablePath:    defaultExecutablePath,
		WindowTitle:       defaultWindowTitle,
		ConnectDeadline:   defaultConnectDeadline,
		LoginDeadline:     defaultLoginDeadline,
		LogoutDeadline:    defaultLogoutDeadline,
		PollInterval:      defaultPollInterval,
		SettleDelay:       defaultSettleDelay,
		LogoutSettleDelay: defaultLogoutSettleDelay,
		PostLogoutDelay:   defaultPostLogoutDelay,
		IdentifierRetries: defaultIdentifierRetries,
		Attempts:          defaultAttempts,
		LockTimeout:       defaultLockTimeout,
		LogLevel:          defaultLogLevel,
		Helper:            HelperConfig{Timeout: defaultHelperTimeout},
		Selectors:         map[string]SelectorConfig{},
		Sources:           []string{},
	}
}

// Validate rejects settings no attempt could run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.ExecutablePath) == "" {
		return errors.New("executable_path must not be empty")
	}
	if strings.TrimSpace(c.WindowTitle) == "" {
		return errors.New("window_title must not be empty")
	}
	positive := []struct {
		key   string
		value time.Duration
	}{
		{"connect_deadline", c.ConnectDeadline},
		{"login_deadline", c.LoginDeadline},
		{"logout_deadline", c.LogoutDeadline},
		{"poll_interval", c.PollInterval},
		{"lock_timeout", c.LockTimeout},
		{"helper.timeout", c.Helper.Timeout},
	}
	for _, entry := range positive {
		if entry.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", entry.key, entry.value)
		}
	}
	nonNegative := []struct {
		key   string
		value time.Duration
	}{
		{"settle_delay", c.SettleDelay},
		{"logout_settle_delay", c.LogoutSettleDelay},
		{"post_logout_delay", c.PostLogoutDelay},
	}
	for _, entry := range nonNegative {
		if entry.value < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", entry.key, entry.value)
		}
	}
	if c.IdentifierRetries <= 0 {
		return fmt.Errorf("identifier_retries must be > 0, got %d", c.IdentifierRetries)
	}
	if c.Attempts <= 0 {
		return fmt.Errorf("attempts must be > 0, got %d", c.Attempts)
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config selectors in %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyHelperOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := overlaySelectorConfigs(cfg, raw, path); err != nil {
		return err
	}

	cfg.Sources = append(cfg.Sources, path)
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.ExecutablePath != nil {
		cfg.ExecutablePath = strings.TrimSpace(*decoded.ExecutablePath)
	}
	if decoded.WindowTitle != nil {
		cfg.WindowTitle = strings.TrimSpace(*decoded.WindowTitle)
	}
	if decoded.IdentifierRetries != nil {
		cfg.IdentifierRetries = *decoded.IdentifierRetries
	}
	if decoded.Attempts != nil {
		cfg.Attempts = *decoded.Attempts
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"connect_deadline", decoded.ConnectDeadline, &cfg.ConnectDeadline},
		{"login_deadline", decoded.LoginDeadline, &cfg.LoginDeadline},
		{"logout_deadline", decoded.LogoutDeadline, &cfg.LogoutDeadline},
		{"poll_interval", decoded.PollInterval, &cfg.PollInterval},
		{"settle_delay", decoded.SettleDelay, &cfg.SettleDelay},
		{"logout_settle_delay", decoded.LogoutSettleDelay, &cfg.LogoutSettleDelay},
		{"post_logout_delay", decoded.PostLogoutDelay, &cfg.PostLogoutDelay},
		{"lock_timeout", decoded.LockTimeout, &cfg.LockTimeout},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		value, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		*override.target = value
	}
	return nil
}

func applyHelperOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Helper == nil {
		return nil
	}
	if decoded.Helper.Path != nil {
		cfg.Helper.Path = strings.TrimSpace(*decoded.Helper.Path)
	}
	if decoded.Helper.Args != nil {
		cfg.Helper.Args = append([]string(nil), (*decoded.Helper.Args)...)
	}
	if decoded.Helper.Timeout != nil {
		value, err := parseDuration(*decoded.Helper.Timeout, "helper.timeout", path)
		if err != nil {
			return err
		}
		cfg.Helper.Timeout = value
	}
	return nil
}

func overlaySelectorConfigs(cfg *Config, raw map[string]any, path string) error {
	selectorsRaw, ok := raw["selectors"]
	if !ok {
		return nil
	}

	selectorsMap, ok := selectorsRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("parse selectors in %q: expected table", path)
	}
	if cfg.Selectors == nil {
		cfg.Selectors = map[string]SelectorConfig{}
	}

	for name, value := range selectorsMap {
		if err := overlaySingleSelector(cfg, name, value, path); err != nil {
			return err
		}
	}
	return nil
}

func overlaySingleSelector(cfg *Config, name string, value any, path string) error {
	fields, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("parse selectors.%s in %q: expected table", name, path)
	}
	normalized := normalizeKey(name)
	selector := cfg.Selectors[normalized]

	for key, fieldValue := range fields {
		text, err := stringValue(fieldValue, fmt.Sprintf("selectors.%s.%s", name, key), path)
		if err != nil {
			return err
		}
		switch normalizeKey(key) {
		case "title":
			selector.Title = text
		case "automation_id":
			selector.AutomationID = strings.TrimSpace(text)
		case "control_type":
			selector.ControlType = strings.TrimSpace(text)
		default:
			return fmt.Errorf("parse selectors.%s.%s in %q: unsupported key", name, key, path)
		}
	}

	cfg.Selectors[normalized] = selector
	return nil
}

// SelectorNames returns the configured selector overrides in sorted order.
func (c *Config) SelectorNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Selectors))
	for name := range c.Selectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type redactedFile struct {
	ExecutablePath    string                    `toml:"executable_path"`
	WindowTitle       string                    `toml:"window_title"`
	ConnectDeadline   string                    `toml:"connect_deadline"`
	LoginDeadline     string                    `toml:"login_deadline"`
	LogoutDeadline    string                    `toml:"logout_deadline"`
	PollInterval      string                    `toml:"poll_interval"`
	SettleDelay       string                    `toml:"settle_delay"`
	LogoutSettleDelay string                    `toml:"logout_settle_delay"`
	PostLogoutDelay   string                    `toml:"post_logout_delay"`
	IdentifierRetries int                       `toml:"identifier_retries"`
	Attempts          int                       `toml:"attempts"`
	LockTimeout       string                    `toml:"lock_timeout"`
	LogLevel          string                    `toml:"log_level"`
	Helper            redactedHelper            `toml:"helper"`
	OTEL              redactedOTEL              `toml:"otel"`
	Selectors         map[string]redactedSelect `toml:"selectors,omitempty"`
}

type redactedHelper struct {
	Path    string   `toml:"path"`
	Args    []string `toml:"args"`
	Timeout string   `toml:"timeout"`
}

type redactedOTEL struct {
	Endpoint string `toml:"endpoint"`
}

type redactedSelect struct {
	Title        string `toml:"title,omitempty"`
	AutomationID string `toml:"automation_id,omitempty"`
	ControlType  string `toml:"control_type,omitempty"`
}

// WriteRedacted encodes the effective configuration as TOML. Helper
// arguments that look like secrets are masked.
func (c *Config) WriteRedacted(w io.Writer) error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	out := redactedFile{
		ExecutablePath:    c.ExecutablePath,
		WindowTitle:       c.WindowTitle,
		ConnectDeadline:   c.ConnectDeadline.String(),
		LoginDeadline:     c.LoginDeadline.String(),
		LogoutDeadline:    c.LogoutDeadline.String(),
		PollInterval:      c.PollInterval.String(),
		SettleDelay:       c.SettleDelay.String(),
		LogoutSettleDelay: c.LogoutSettleDelay.String(),
		PostLogoutDelay:   c.PostLogoutDelay.String(),
		IdentifierRetries: c.IdentifierRetries,
		Attempts:          c.Attempts,
		LockTimeout:       c.LockTimeout.String(),
		LogLevel:          c.LogLevel,
		Helper: redactedHelper{
			Path:    c.Helper.Path,
			Args:    subprocess.RedactArgs(c.Helper.Args),
			Timeout: c.Helper.Timeout.String(),
		},
		OTEL: redactedOTEL{Endpoint: c.OTelEndpoint},
	}
	if len(c.Selectors) > 0 {
		out.Selectors = make(map[string]redactedSelect, len(c.Selectors))
		for name, selector := range c.Selectors {
			out.Selectors[name] = redactedSelect(selector)
		}
	}
	if err := toml.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func stringValue(value any, key string, path string) (string, error) {
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("parse %s in %q: must be string", key, path)
	}
	return text, nil
}
