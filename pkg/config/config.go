// Package config loads settings from defaults, an optional YAML file,
// MODEM_MONITOR_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"modem-monitor/pkg/kvstore"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "MODEM_MONITOR"

// Config is the resolved process configuration.
type Config struct {
	API struct {
		BaseURL    string
		AlertsPath string
		ModemsPath string
		StatusPath string
		Key        string
		Timeout    time.Duration
	}
	Poll struct {
		Interval      time.Duration
		PageSize      int
		MaxAlerts     int
		FallbackLimit int
		Autostart     bool
	}
	Track struct {
		Interval time.Duration
	}
	Notify struct {
		Spacing      time.Duration
		PopupTTL     time.Duration
		DisplayLimit int
	}

	DB kvstore.Config

	Server struct {
		Port   int
		Domain string
	}
	Officer struct {
		Phone  string
		Modems []string
	}
	Log struct {
		Level       string
		Development bool
	}
	Version bool
}

// flagSpec binds one command-line flag to a configuration key.
type flagSpec struct {
	key   string
	name  string
	def   any
	usage string
}

var flags = []flagSpec{
	{"config", "config", "", "Path to a YAML config file (default ./modem-monitor.yaml when present)"},
	{"api.base_url", "api-base-url", "", "Base URL of the field-service API"},
	{"api.alerts_path", "api-alerts-path", "/alerts", "Path of the paginated alerts endpoint"},
	{"api.modems_path", "api-modems-path", "/modems/assigned", "Path of the assigned modem registry"},
	{"api.status_path", "api-status-path", "/modems/modem/{id}/status", "Path template of the per-modem status endpoint"},
	{"api.key", "api-key", "", "Bearer key used when the store holds none"},
	{"api.timeout", "api-timeout", 20 * time.Second, "Per-request timeout for upstream calls"},
	{"poll.interval", "poll-interval", 5 * time.Minute, "Alert polling interval"},
	{"poll.page_size", "poll-page-size", 50, "Alerts requested per page"},
	{"poll.max_alerts", "poll-max-alerts", 500, "Stop paging once this many alerts are collected"},
	{"poll.fallback_limit", "poll-fallback-limit", 9999, "Limit of the single request issued when the first page fails"},
	{"poll.autostart", "poll-autostart", true, "Start alert polling at process start"},
	{"track.interval", "track-interval", 5 * time.Minute, "Tracked modem status check interval"},
	{"notify.spacing", "notify-spacing", 800 * time.Millisecond, "Minimum gap between persisted notifications"},
	{"notify.popup_ttl", "notify-popup-ttl", 5 * time.Second, "How long a popup stays visible"},
	{"notify.display_limit", "notify-display-limit", 5, "Notifications shown on the profile screen"},
	{"db.type", "db-type", "sqlite", "Type of the database driver: genji, sqlite, duckdb, or pgx (postgresql)"},
	{"db.path", "db-path", "", "Path to the database file (genji, sqlite, duckdb)"},
	{"db.conn", "db-conn", "", "PostgreSQL DSN; overrides the db-host/db-port fields"},
	{"db.host", "db-host", "127.0.0.1", "Database host (applicable for pgx driver)"},
	{"db.port", "db-port", 5432, "Database port (applicable for pgx driver)"},
	{"db.user", "db-user", "postgres", "Database user (applicable for pgx driver)"},
	{"db.pass", "db-pass", "", "Database password (applicable for pgx driver)"},
	{"db.name", "db-name", "ModemMonitor", "Database name (applicable for pgx driver)"},
	{"db.pg_ssl_mode", "pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full"},
	{"server.port", "port", 8765, "Port for running the local API"},
	{"server.domain", "domain", "", "Serve on 80 and 443 with an automatic Let's Encrypt certificate"},
	{"officer.phone", "officer-phone", "", "Officer phone used when the store holds none"},
	{"officer.modems", "officer-modems", []string{}, "Assigned modem ids used when the registry is unreachable"},
	{"log.level", "log-level", "info", "Log level: debug, info, warn, error"},
	{"log.development", "log-development", false, "Human-readable console logging"},
	{"version", "version", false, "Show the application version"},
}

// Load resolves the configuration for args (without the program name).
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("modem-monitor", pflag.ContinueOnError)
	v := viper.New()

	for _, f := range flags {
		switch d := f.def.(type) {
		case string:
			fs.String(f.name, d, f.usage)
		case int:
			fs.Int(f.name, d, f.usage)
		case bool:
			fs.Bool(f.name, d, f.usage)
		case time.Duration:
			fs.Duration(f.name, d, f.usage)
		case []string:
			fs.StringSlice(f.name, d, f.usage)
		default:
			return nil, fmt.Errorf("flag %s: unsupported default %T", f.name, f.def)
		}
		v.SetDefault(f.key, f.def)
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", f.name, err)
		}
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("modem-monitor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(v.GetString("api.base_url")), "/")
	cfg.API.AlertsPath = v.GetString("api.alerts_path")
	cfg.API.ModemsPath = v.GetString("api.modems_path")
	cfg.API.StatusPath = v.GetString("api.status_path")
	cfg.API.Key = v.GetString("api.key")
	cfg.API.Timeout = v.GetDuration("api.timeout")

	cfg.Poll.Interval = v.GetDuration("poll.interval")
	cfg.Poll.PageSize = v.GetInt("poll.page_size")
	cfg.Poll.MaxAlerts = v.GetInt("poll.max_alerts")
	cfg.Poll.FallbackLimit = v.GetInt("poll.fallback_limit")
	cfg.Poll.Autostart = v.GetBool("poll.autostart")
	cfg.Track.Interval = v.GetDuration("track.interval")

	cfg.Notify.Spacing = v.GetDuration("notify.spacing")
	cfg.Notify.PopupTTL = v.GetDuration("notify.popup_ttl")
	cfg.Notify.DisplayLimit = v.GetInt("notify.display_limit")

	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.Domain = strings.TrimSpace(v.GetString("server.domain"))

	cfg.DB = kvstore.Config{
		DBType:    v.GetString("db.type"),
		DBPath:    v.GetString("db.path"),
		DBConn:    v.GetString("db.conn"),
		DBHost:    v.GetString("db.host"),
		DBPort:    v.GetInt("db.port"),
		DBUser:    v.GetString("db.user"),
		DBPass:    v.GetString("db.pass"),
		DBName:    v.GetString("db.name"),
		PGSSLMode: v.GetString("db.pg_ssl_mode"),
		Port:      cfg.Server.Port,
	}

	cfg.Officer.Phone = strings.TrimSpace(v.GetString("officer.phone"))
	cfg.Officer.Modems = splitList(v.GetStringSlice("officer.modems"))

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Development = v.GetBool("log.development")
	cfg.Version = v.GetBool("version")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both repeated values and comma-separated strings, the
// latter being what environment variables carry.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Version {
		return nil
	}
	if c.API.BaseURL == "" {
		return errors.New("config: api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: api.base_url %q is not an http(s) URL", c.API.BaseURL)
	}
	if !strings.Contains(c.API.StatusPath, "{id}") {
		return fmt.Errorf("config: api.status_path %q has no {id} placeholder", c.API.StatusPath)
	}
	switch {
	case c.API.Timeout <= 0:
		return errors.New("config: api.timeout must be positive")
	case c.Poll.Interval <= 0:
		return errors.New("config: poll.interval must be positive")
	case c.Track.Interval <= 0:
		return errors.New("config: track.interval must be positive")
	case c.Poll.PageSize <= 0:
		return errors.New("config: poll.page_size must be positive")
	case c.Poll.MaxAlerts < c.Poll.PageSize:
		return fmt.Errorf("config: poll.max_alerts %d is below poll.page_size %d", c.Poll.MaxAlerts, c.Poll.PageSize)
	case c.Poll.FallbackLimit <= 0:
		return errors.New("config: poll.fallback_limit must be positive")
	case c.Notify.Spacing < 0, c.Notify.PopupTTL <= 0:
		return errors.New("config: notify durations must be positive")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.DB.DBType)) {
	case "sqlite", "genji", "duckdb", "pgx":
	default:
		return fmt.Errorf("config: unsupported db.type %q", c.DB.DBType)
	}
	return nil
}
