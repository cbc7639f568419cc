// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Runner() RunnerConfig
	Lock() LockConfig
	Interaction() InteractionConfig
	Data() DataConfig
	Proxy() ProxyConfig
	Notify() NotifyConfig
	AI() AIConfig
	Database() DatabaseConfig
	Schedule() ScheduleConfig
	Wallet() WalletConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserDisableGPU(bool)
	SetBrowserBlockMedia(bool)

	// Runner Setters
	SetRunnerMaxConcurrent(int)
}

// Config holds the entire application configuration.
// Sections are exported so viper can populate them; callers go through the Interface getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	RunnerCfg      RunnerConfig      `mapstructure:"runner" yaml:"runner"`
	LockCfg        LockConfig        `mapstructure:"lock" yaml:"lock"`
	InteractionCfg InteractionConfig `mapstructure:"interaction" yaml:"interaction"`
	DataCfg        DataConfig        `mapstructure:"data" yaml:"data"`
	ProxyCfg       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	NotifyCfg      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	AICfg          AIConfig          `mapstructure:"ai" yaml:"ai"`
	DatabaseCfg    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	ScheduleCfg    ScheduleConfig    `mapstructure:"schedule" yaml:"schedule"`
	WalletCfg      WalletConfig      `mapstructure:"wallet" yaml:"wallet"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Runner() RunnerConfig           { return c.RunnerCfg }
func (c *Config) Interaction() InteractionConfig { return c.InteractionCfg }
func (c *Config) Data() DataConfig               { return c.DataCfg }
func (c *Config) Proxy() ProxyConfig             { return c.ProxyCfg }
func (c *Config) Notify() NotifyConfig           { return c.NotifyCfg }
func (c *Config) AI() AIConfig                   { return c.AICfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Schedule() ScheduleConfig       { return c.ScheduleCfg }
func (c *Config) Wallet() WalletConfig           { return c.WalletCfg }

// Lock returns the lock section. An empty lock directory means the lock
// files live next to the profiles in the user data directory.
func (c *Config) Lock() LockConfig {
	l := c.LockCfg
	if l.Dir == "" {
		l.Dir = c.DataCfg.UserDataDir
	}
	return l
}

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserDisableGPU(b bool) { c.BrowserCfg.DisableGPU = b }
func (c *Config) SetBrowserBlockMedia(b bool) { c.BrowserCfg.BlockMedia = b }

// Runner Setters
func (c *Config) SetRunnerMaxConcurrent(n int) { c.RunnerCfg.MaxConcurrent = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instances launched per profile.
type BrowserConfig struct {
	ChromePath    string        `mapstructure:"chrome_path" yaml:"chrome_path"`
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	DisableGPU    bool          `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	BlockMedia    bool          `mapstructure:"block_media" yaml:"block_media"`
	Language      string        `mapstructure:"language" yaml:"language"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	ExtensionsDir string        `mapstructure:"extensions_dir" yaml:"extensions_dir"`
	Extensions    []string      `mapstructure:"extensions" yaml:"extensions"`
	StartTimeout  time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// RunnerConfig controls how many profiles run at once and how they are paced.
type RunnerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	LaunchDelay   time.Duration `mapstructure:"launch_delay" yaml:"launch_delay"`
	CellPoll      time.Duration `mapstructure:"cell_poll" yaml:"cell_poll"`
	SetupDelay    time.Duration `mapstructure:"setup_delay" yaml:"setup_delay"`
	CloseDelay    time.Duration `mapstructure:"close_delay" yaml:"close_delay"`
	HoldTimeout   time.Duration `mapstructure:"hold_timeout" yaml:"hold_timeout"`
	SkipCompleted bool          `mapstructure:"skip_completed" yaml:"skip_completed"`
	Task          string        `mapstructure:"task" yaml:"task"`
}

// LockConfig configures the per-profile lock files.
type LockConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	StaleAfter   time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// InteractionConfig holds the defaults for the page interaction primitives.
type InteractionConfig struct {
	Wait         time.Duration `mapstructure:"wait" yaml:"wait"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	TypeDelay    time.Duration `mapstructure:"type_delay" yaml:"type_delay"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter"`
	TabPoll      time.Duration `mapstructure:"tab_poll" yaml:"tab_poll"`
}

// DataConfig locates the on-disk inputs and outputs.
type DataConfig struct {
	UserDataDir  string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	DataFile     string   `mapstructure:"data_file" yaml:"data_file"`
	LegacyConfig string   `mapstructure:"legacy_config" yaml:"legacy_config"`
	SnapshotDir  string   `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`
	Fields       []string `mapstructure:"fields" yaml:"fields"`
}

// ProxyConfig configures proxy health checks and the local forwarder.
type ProxyConfig struct {
	CheckURL     string        `mapstructure:"check_url" yaml:"check_url"`
	CheckTimeout time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
	ListenHost   string        `mapstructure:"listen_host" yaml:"listen_host"`
}

// NotifyConfig holds the notification channels.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
}

// TelegramConfig is the Telegram bot used for snapshots.
// Spec has the form "chat_id|token|endpoint", endpoint optional.
type TelegramConfig struct {
	Spec    string        `mapstructure:"spec" yaml:"-"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AIConfig holds the vision model settings.
type AIConfig struct {
	Gemini GeminiConfig `mapstructure:"gemini" yaml:"gemini"`
}

// GeminiConfig configures the Gemini client.
type GeminiConfig struct {
	APIKey       string        `mapstructure:"api_key" yaml:"-"`
	Model        string        `mapstructure:"model" yaml:"model"`
	MaxImageSide int           `mapstructure:"max_image_side" yaml:"max_image_side"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DatabaseConfig holds the database connection details for the run ledger.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ScheduleConfig configures the daily scheduler.
type ScheduleConfig struct {
	Cron     string `mapstructure:"cron" yaml:"cron"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// WalletConfig tunes the wallet extension flow.
type WalletConfig struct {
	ExtensionID  string        `mapstructure:"extension_id" yaml:"extension_id"`
	Chain        string        `mapstructure:"chain" yaml:"chain"`
	MaxTransfers int           `mapstructure:"max_transfers" yaml:"max_transfers"`
	MinBalance   float64       `mapstructure:"min_balance" yaml:"min_balance"`
	MinAmount    float64       `mapstructure:"min_amount" yaml:"min_amount"`
	MaxAmount    float64       `mapstructure:"max_amount" yaml:"max_amount"`
	Decimals     int           `mapstructure:"decimals" yaml:"decimals"`
	Attempts     int           `mapstructure:"attempts" yaml:"attempts"`
	SetupHold    time.Duration `mapstructure:"setup_hold" yaml:"setup_hold"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "chromefleet")
	v.SetDefault("logger.log_file", "chromefleet.log")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.disable_gpu", false)
	v.SetDefault("browser.block_media", true)
	v.SetDefault("browser.language", "en")
	v.SetDefault("browser.extensions_dir", "extensions")
	v.SetDefault("browser.extensions", []string{"HaHa-Wallet-Chrome-Web-Store.crx"})
	v.SetDefault("browser.start_timeout", "60s")
	v.SetDefault("browser.shutdown_grace", "10s")

	// -- Runner --
	v.SetDefault("runner.max_concurrent", 4)
	v.SetDefault("runner.launch_delay", "10s")
	v.SetDefault("runner.cell_poll", "10s")
	v.SetDefault("runner.setup_delay", "5s")
	v.SetDefault("runner.close_delay", "5s")
	v.SetDefault("runner.hold_timeout", "10s")
	v.SetDefault("runner.skip_completed", false)
	v.SetDefault("runner.task", "wallet")

	// -- Lock --
	v.SetDefault("lock.dir", "")
	v.SetDefault("lock.stale_after", "12h")
	v.SetDefault("lock.poll_interval", "10s")
	v.SetDefault("lock.timeout", "60s")

	// -- Interaction --
	v.SetDefault("interaction.wait", "3s")
	v.SetDefault("interaction.timeout", "30s")
	v.SetDefault("interaction.poll_interval", "500ms")
	v.SetDefault("interaction.type_delay", "200ms")
	v.SetDefault("interaction.jitter", 0.4)
	v.SetDefault("interaction.tab_poll", "2s")

	// -- Data --
	v.SetDefault("data.user_data_dir", "user_data")
	v.SetDefault("data.data_file", "data.txt")
	v.SetDefault("data.legacy_config", "config.txt")
	v.SetDefault("data.snapshot_dir", "snapshot")
	v.SetDefault("data.fields", []string{"profile_name", "pin", "wallet"})

	// -- Proxy --
	v.SetDefault("proxy.check_url", "http://ip-api.com/json")
	v.SetDefault("proxy.check_timeout", "5s")
	v.SetDefault("proxy.listen_host", "127.0.0.1")

	// -- Notify --
	v.SetDefault("notify.telegram.spec", "")
	v.SetDefault("notify.telegram.timeout", "5s")

	// -- AI --
	v.SetDefault("ai.gemini.api_key", "")
	v.SetDefault("ai.gemini.model", "gemini-2.0-flash")
	v.SetDefault("ai.gemini.max_image_side", 384)
	v.SetDefault("ai.gemini.timeout", "60s")

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Schedule --
	v.SetDefault("schedule.cron", "30 0 * * *")
	v.SetDefault("schedule.timezone", "UTC")

	// -- Wallet --
	v.SetDefault("wallet.extension_id", "andhndehpcjpmneneealacgnmealilal")
	v.SetDefault("wallet.chain", "Sepolia")
	v.SetDefault("wallet.max_transfers", 10)
	v.SetDefault("wallet.min_balance", 0.005)
	v.SetDefault("wallet.min_amount", 0.0001)
	v.SetDefault("wallet.max_amount", 0.0010)
	v.SetDefault("wallet.decimals", 5)
	v.SetDefault("wallet.attempts", 2)
	v.SetDefault("wallet.setup_hold", "10s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("ai.gemini.api_key", "CHROMEFLEET_AI_GEMINI_API_KEY")
	_ = v.BindEnv("notify.telegram.spec", "CHROMEFLEET_NOTIFY_TELEGRAM_SPEC")
	_ = v.BindEnv("database.url", "CHROMEFLEET_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves "~" in every configured filesystem path.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.BrowserCfg.ChromePath,
		&c.BrowserCfg.ExtensionsDir,
		&c.LockCfg.Dir,
		&c.DataCfg.UserDataDir,
		&c.DataCfg.DataFile,
		&c.DataCfg.LegacyConfig,
		&c.DataCfg.SnapshotDir,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.RunnerCfg.MaxConcurrent <= 0 {
		return fmt.Errorf("runner.max_concurrent must be a positive integer")
	}
	if c.RunnerCfg.LaunchDelay < 0 || c.RunnerCfg.CellPoll < 0 || c.RunnerCfg.CloseDelay < 0 {
		return fmt.Errorf("runner delays must not be negative")
	}
	if c.LockCfg.PollInterval <= 0 {
		return fmt.Errorf("lock.poll_interval must be a positive duration")
	}
	if c.LockCfg.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be a positive duration")
	}
	if c.InteractionCfg.Timeout <= 0 {
		return fmt.Errorf("interaction.timeout must be a positive duration")
	}
	if c.InteractionCfg.PollInterval <= 0 {
		return fmt.Errorf("interaction.poll_interval must be a positive duration")
	}
	if c.InteractionCfg.Jitter < 0 || c.InteractionCfg.Jitter >= 1 {
		return fmt.Errorf("interaction.jitter must be in the range [0, 1)")
	}
	if c.DataCfg.UserDataDir == "" {
		return fmt.Errorf("data.user_data_dir is a required configuration field")
	}
	if len(c.DataCfg.Fields) == 0 {
		return fmt.Errorf("data.fields must name at least the profile field")
	}
	if err := c.WalletCfg.Validate(); err != nil {
		return fmt.Errorf("wallet configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the wallet flow bounds.
func (w *WalletConfig) Validate() error {
	if w.ExtensionID == "" {
		return fmt.Errorf("extension_id is required")
	}
	if w.MaxTransfers < 0 {
		return fmt.Errorf("max_transfers must not be negative")
	}
	if w.Attempts <= 0 {
		return fmt.Errorf("attempts must be greater than 0")
	}
	if w.MinAmount <= 0 || w.MaxAmount < w.MinAmount {
		return fmt.Errorf("amount range must satisfy 0 < min_amount <= max_amount")
	}
	if w.Decimals < 0 || w.Decimals > 18 {
		return fmt.Errorf("decimals must be between 0 and 18")
	}
	return nil
}

// ApplyLegacy maps the KEY=value pairs of the legacy config.txt onto viper keys.
// USER_DATA_DIR only applies when it points at an existing directory, in which
// case profiles live in its "user_data" child. TELE_BOT and AI_BOT may repeat;
// the first value wins here and the callers validate it.
func ApplyLegacy(v *viper.Viper, values map[string]string) {
	if dir := strings.TrimSpace(values["USER_DATA_DIR"]); dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			v.Set("data.user_data_dir", filepath.Join(dir, "user_data"))
		}
	}
	if tele := strings.TrimSpace(values["TELE_BOT"]); tele != "" {
		if v.GetString("notify.telegram.spec") == "" {
			v.Set("notify.telegram.spec", tele)
		}
	}
	if key := strings.TrimSpace(values["AI_BOT"]); key != "" {
		if v.GetString("ai.gemini.api_key") == "" {
			v.Set("ai.gemini.api_key", key)
		}
	}
}
