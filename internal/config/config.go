package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/channel"
	"liquidity-oracle/internal/logging"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/risk"
)

// Signal source types.
const (
	SourceStatic   = "static"
	SourceSeverity = "severity"
	SourceUSGS     = "usgs"
	SourceGDELT    = "gdelt"
)

// Signal cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// InvalidConfigurationError reports a configuration value that violates an
// invariant. Load never returns a config alongside one.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &InvalidConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig         `mapstructure:"app"`
	Logging   logging.Config    `mapstructure:"logging"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Bolt      BoltConfig        `mapstructure:"bolt"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Signals   SignalsConfig     `mapstructure:"signals"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Fusion    FusionConfig      `mapstructure:"fusion"`
	Oracle    OracleConfig      `mapstructure:"oracle"`
	Channels  []channel.Channel `mapstructure:"channels"`
	DeadMan   DeadManConfig     `mapstructure:"deadman"`
	Guardian  GuardianConfig    `mapstructure:"guardian"`
	Location  LocationConfig    `mapstructure:"location"`
	Alerting  AlertingConfig    `mapstructure:"alerting"`
	HTTP      HTTPConfig        `mapstructure:"http"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Export    ExportConfig      `mapstructure:"export"`
	Reserves  ReservesConfig    `mapstructure:"reserves"`
	Codes     CodesConfig       `mapstructure:"codes"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the embedded bolt store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ApplicationName string        `mapstructure:"application_name"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

// BoltConfig locates the embedded audit store.
type BoltConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig governs evaluation cadence. Cron, when set, replaces the
// fixed interval.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Cron            string        `mapstructure:"cron"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
}

// SignalsConfig tunes the ingestion adapter.
type SignalsConfig struct {
	Timeout         time.Duration           `mapstructure:"timeout"`
	MaxAge          time.Duration           `mapstructure:"max_age"`
	RatePerSecond   float64                 `mapstructure:"rate_per_second"`
	Burst           int                     `mapstructure:"burst"`
	BreakerFailures uint32                  `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration           `mapstructure:"breaker_cooldown"`
	Cache           string                  `mapstructure:"cache"`
	UserAgent       string                  `mapstructure:"user_agent"`
	Sources         map[string]SourceConfig `mapstructure:"sources"`
}

// SourceConfig describes the feed behind one category.
type SourceConfig struct {
	Type     string  `mapstructure:"type"`
	URL      string  `mapstructure:"url"`
	Severity float64 `mapstructure:"severity"`
	RadiusKM float64 `mapstructure:"radius_km"`
}

// RedisConfig covers the shared Redis instance used by the signal cache and
// redemption codes.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// FusionConfig holds the category weights.
type FusionConfig struct {
	Weights map[string]float64 `mapstructure:"weights"`
}

// OracleConfig holds the regime step function keyed by regime name.
type OracleConfig struct {
	Regimes map[string]oracle.RegimeSpec `mapstructure:"regimes"`
}

// DeadManConfig constrains the switch.
type DeadManConfig struct {
	Intervals       []time.Duration `mapstructure:"intervals"`
	ActionThreshold float64         `mapstructure:"action_threshold"`
}

// GuardianConfig 描述监护人通知参数。
type GuardianConfig struct {
	Contacts  []string `mapstructure:"contacts"`
	Threshold float64  `mapstructure:"threshold"`
}

// LocationConfig places the traveler.
type LocationConfig struct {
	City              string   `mapstructure:"city"`
	Country           string   `mapstructure:"country"`
	Latitude          *float64 `mapstructure:"latitude"`
	Longitude         *float64 `mapstructure:"longitude"`
	ConflictZone      bool     `mapstructure:"conflict_zone"`
	ConflictCountries []string `mapstructure:"conflict_countries"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// NATSConfig 描述事件总线参数。
type NATSConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HTTPConfig configures the observer API.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ReservesConfig covers on-chain reserve attestation.
type ReservesConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	TokenAddress   string        `mapstructure:"token_address"`
	TokenSymbol    string        `mapstructure:"token_symbol"`
	ChainID        int64         `mapstructure:"chain_id"`
	VaultAddress   string        `mapstructure:"vault_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CodesConfig toggles offline redemption codes.
type CodesConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Prefix  string        `mapstructure:"prefix"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SAFEPASSAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "safepassage")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "safepassage")

	v.SetDefault("bolt.path", "safepassage.db")
	v.SetDefault("bolt.timeout", "1s")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x53504153))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)

	v.SetDefault("signals.timeout", "10s")
	v.SetDefault("signals.max_age", "6h")
	v.SetDefault("signals.rate_per_second", 1.0)
	v.SetDefault("signals.burst", 1)
	v.SetDefault("signals.breaker_failures", 3)
	v.SetDefault("signals.breaker_cooldown", "1m")
	v.SetDefault("signals.cache", CacheMemory)
	v.SetDefault("signals.user_agent", "safepassage/1.0")

	v.SetDefault("redis.prefix", "safepassage:signal:")
	v.SetDefault("redis.ttl", "24h")

	weights := make(map[string]interface{}, len(risk.Categories))
	for c, w := range risk.DefaultWeights() {
		weights[string(c)] = w
	}
	v.SetDefault("fusion.weights", weights)

	regimes := make(map[string]interface{})
	for r, spec := range oracle.DefaultRegimes() {
		regimes[strings.ToLower(r.String())] = map[string]interface{}{
			"min_score": spec.MinScore,
			"weights": map[string]interface{}{
				"speed":       spec.Weights.Speed,
				"reliability": spec.Weights.Reliability,
				"cost":        spec.Weights.Cost,
			},
		}
	}
	v.SetDefault("oracle.regimes", regimes)

	v.SetDefault("deadman.intervals", []string{"4h", "8h", "12h", "24h"})
	v.SetDefault("deadman.action_threshold", 7.0)

	v.SetDefault("guardian.threshold", 7.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.nats.enabled", false)
	v.SetDefault("alerting.nats.subject", "safepassage.automation")
	v.SetDefault("alerting.nats.timeout", "5s")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", "127.0.0.1:8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("reserves.token_symbol", "USDC")
	v.SetDefault("reserves.chain_id", 8453)
	v.SetDefault("reserves.request_timeout", "10s")

	v.SetDefault("codes.enabled", false)
	v.SetDefault("codes.prefix", "safepassage:code:")
	v.SetDefault("codes.ttl", "72h")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.application_name", "safepassage")
	v.SetDefault("database.ping_timeout", "5s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.TextUnmarshallerHookFunc(),
		)
	}
}

// Validate performs the load-time invariant checks. Every failure is an
// *InvalidConfigurationError.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return invalid("export.max_data_points", "must be greater than zero")
	}
	if c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		return invalid("scheduler.interval", "must be greater than zero")
	}
	if err := c.validateSignals(); err != nil {
		return err
	}
	if _, err := c.Weights(); err != nil {
		return invalid("fusion.weights", "%v", err)
	}
	if _, err := c.Regimes(); err != nil {
		return invalid("oracle.regimes", "%v", err)
	}
	if err := c.Catalog().Validate(); err != nil {
		return invalid("channels", "%v", err)
	}
	if err := c.validateAutomation(); err != nil {
		return err
	}
	if (c.Location.Latitude == nil) != (c.Location.Longitude == nil) {
		return invalid("location", "latitude and longitude must be set together")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return invalid("alerting.telegram.bot_token", "必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return invalid("alerting.telegram.chat_id", "必须配置")
		}
	}
	if c.Alerting.NATS.Enabled && c.Alerting.NATS.URL == "" {
		return invalid("alerting.nats.url", "必须配置")
	}
	if c.Codes.Enabled && c.Redis.Addr == "" {
		return invalid("redis.addr", "required when codes are enabled")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return invalid("http.addr", "required when the api is enabled")
	}
	return nil
}

func (c *Config) validateSignals() error {
	s := c.Signals
	switch {
	case s.Timeout <= 0:
		return invalid("signals.timeout", "must be greater than zero")
	case s.MaxAge <= 0:
		return invalid("signals.max_age", "must be greater than zero")
	case s.RatePerSecond <= 0:
		return invalid("signals.rate_per_second", "must be greater than zero")
	case s.Burst < 1:
		return invalid("signals.burst", "must be at least 1")
	case s.BreakerFailures < 1:
		return invalid("signals.breaker_failures", "must be at least 1")
	}
	switch s.Cache {
	case CacheMemory:
	case CacheRedis:
		if c.Redis.Addr == "" {
			return invalid("redis.addr", "required when signals.cache is redis")
		}
	default:
		return invalid("signals.cache", "unknown backend %q", s.Cache)
	}
	for name, src := range s.Sources {
		field := "signals.sources." + name
		if _, err := risk.ParseCategory(name); err != nil {
			return invalid(field, "%v", err)
		}
		switch src.Type {
		case SourceStatic:
			if math.IsNaN(src.Severity) || src.Severity < risk.MinSeverity || src.Severity > risk.MaxSeverity {
				return invalid(field+".severity", "must be within [0,10], got %v", src.Severity)
			}
		case SourceSeverity, SourceUSGS, SourceGDELT:
			if src.URL == "" {
				return invalid(field+".url", "required for %s sources", src.Type)
			}
		default:
			return invalid(field+".type", "unknown source type %q", src.Type)
		}
		if src.RadiusKM < 0 {
			return invalid(field+".radius_km", "cannot be negative")
		}
	}
	return nil
}

func (c *Config) validateAutomation() error {
	if len(c.DeadMan.Intervals) == 0 {
		return invalid("deadman.intervals", "at least one interval is required")
	}
	for _, iv := range c.DeadMan.Intervals {
		if iv <= 0 {
			return invalid("deadman.intervals", "interval %s must be positive", iv)
		}
	}
	if t := c.DeadMan.ActionThreshold; math.IsNaN(t) || t < 0 || t > 10 {
		return invalid("deadman.action_threshold", "must be within [0,10], got %v", t)
	}
	if len(automation.UniqueContacts(c.Guardian.Contacts)) != len(c.Guardian.Contacts) {
		return invalid("guardian.contacts", "contacts must be unique and non-empty")
	}
	if len(c.Guardian.Contacts) > automation.MaxGuardians {
		return invalid("guardian.contacts", "at most %d guardians allowed, got %d", automation.MaxGuardians, len(c.Guardian.Contacts))
	}
	if t := c.Guardian.Threshold; math.IsNaN(t) || t < 0 || t > 10 {
		return invalid("guardian.threshold", "must be within [0,10], got %v", t)
	}
	return nil
}

// Weights converts the configured weights and validates them.
func (c *Config) Weights() (risk.Weights, error) {
	w := make(risk.Weights, len(c.Fusion.Weights))
	for name, v := range c.Fusion.Weights {
		cat, err := risk.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		w[cat] = v
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Regimes converts the configured regime table and validates it.
func (c *Config) Regimes() (oracle.RegimeTable, error) {
	t := make(oracle.RegimeTable, len(c.Oracle.Regimes))
	names := make([]string, 0, len(c.Oracle.Regimes))
	for name := range c.Oracle.Regimes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r, err := oracle.ParseRegime(name)
		if err != nil {
			return nil, err
		}
		t[r] = c.Oracle.Regimes[name]
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Catalog returns the configured channel table, or the stock one when none
// is configured.
func (c *Config) Catalog() channel.Catalog {
	if len(c.Channels) == 0 {
		return channel.DefaultCatalog()
	}
	return channel.Catalog(c.Channels)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
