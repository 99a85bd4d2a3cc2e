// Package config loads the daemon configuration from /etc/powerd/config.yaml
// with POWERD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultPath is where the daemon looks for its config file.
	DefaultPath = "/etc/powerd/config.yaml"

	DefaultSocketPath = "/run/powerd/powerd.sock"
)

// Config holds the daemon configuration.
type Config struct {
	StateDir     string `mapstructure:"state_dir"`
	SocketPath   string `mapstructure:"socket_path"`
	SocketMode   uint32 `mapstructure:"socket_mode"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
	AuditLog     string `mapstructure:"audit_log"`
	ProfilesPath string `mapstructure:"profiles_path"`

	DBus          DBus          `mapstructure:"dbus"`
	Authorization Authorization `mapstructure:"authorization"`
	Graphics      Graphics      `mapstructure:"graphics"`
	Transaction   Transaction   `mapstructure:"transaction"`
}

type DBus struct {
	Enabled bool   `mapstructure:"enabled"`
	BusName string `mapstructure:"bus_name"`
}

// Authorization selects the ActionAuthorizer backend. The static backend
// allows members of AllowGroups (and root); with Interactive set other
// callers get RequiresInteractiveAuth instead of Deny.
type Authorization struct {
	Backend     string   `mapstructure:"backend"`
	AllowGroups []string `mapstructure:"allow_groups"`
	Interactive bool     `mapstructure:"interactive"`
}

type Graphics struct {
	ModprobePath      string `mapstructure:"modprobe_path"`
	PrimeDiscretePath string `mapstructure:"prime_discrete_path"`
	FallbackService   string `mapstructure:"fallback_service"`
	AutoPower         bool   `mapstructure:"auto_power"`
}

type Transaction struct {
	StuckAfter         time.Duration `mapstructure:"stuck_after"`
	BusyNotifyInterval time.Duration `mapstructure:"busy_notify_interval"`
}

// StatePath is the graphics state record inside StateDir.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "graphics.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "/var/lib/powerd")
	v.SetDefault("socket_path", DefaultSocketPath)
	v.SetDefault("socket_mode", 0o666)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("audit_log", "/var/log/powerd/audit.log")
	v.SetDefault("profiles_path", "/etc/powerd/profiles.yaml")

	v.SetDefault("dbus.enabled", true)
	v.SetDefault("dbus.bus_name", "com.github.benaskins.Powerd")

	v.SetDefault("authorization.backend", "polkit")
	v.SetDefault("authorization.allow_groups", []string{"wheel", "sudo", "adm"})
	v.SetDefault("authorization.interactive", false)

	v.SetDefault("graphics.modprobe_path", "/etc/modprobe.d/powerd.conf")
	v.SetDefault("graphics.prime_discrete_path", "/etc/prime-discrete")
	v.SetDefault("graphics.fallback_service", "nvidia-fallback.service")
	v.SetDefault("graphics.auto_power", false)

	v.SetDefault("transaction.stuck_after", 10*time.Minute)
	v.SetDefault("transaction.busy_notify_interval", time.Second)
}

// Load reads the YAML config file at path. A missing or empty file yields
// the defaults. POWERD_* variables override file values, with nested keys
// joined by underscores (POWERD_DBUS_ENABLED=false).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POWERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Authorization.Backend {
	case "polkit", "static":
	default:
		return fmt.Errorf("authorization.backend: unknown backend %q (want polkit or static)", c.Authorization.Backend)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if c.SocketPath == "" && !c.DBus.Enabled {
		return fmt.Errorf("no transport: socket_path is empty and dbus is disabled")
	}
	if c.SocketMode > 0o777 {
		return fmt.Errorf("socket_mode %o is not a permission mode", c.SocketMode)
	}
	if c.Transaction.StuckAfter <= 0 {
		return fmt.Errorf("transaction.stuck_after must be positive")
	}
	return nil
}

// FileMode returns SocketMode as a file mode.
func (c *Config) FileMode() os.FileMode {
	return os.FileMode(c.SocketMode)
}
