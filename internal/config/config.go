package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Network   NetworkConfig   `mapstructure:"network"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Sensors   SensorsConfig   `mapstructure:"sensors"`
	Buttons   ButtonsConfig   `mapstructure:"buttons"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

type ServerConfig struct {
	Name            string        `mapstructure:"name"`
	DiscoveryPort   int           `mapstructure:"discovery_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ClientMaximum   int           `mapstructure:"client_maximum"`
}

type NetworkConfig struct {
	BindHost    string        `mapstructure:"bind_host"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type WatchdogConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (w WatchdogConfig) WatchConfig() control.WatchConfig {
	return control.WatchConfig{
		InitialDelay: w.InitialDelay,
		Interval:     w.Interval,
		Timeout:      w.Timeout,
	}
}

type DiscoveryConfig struct {
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	InterfacePatterns []string      `mapstructure:"interface_patterns"`
}

// SensorsConfig holds per sensor settings keyed by sensor name. Stream lists
// the sensors forwarded to the live monitor and the NATS bridge.
type SensorsConfig struct {
	OutputRanges map[string]float32 `mapstructure:"output_ranges"`
	Speeds       map[string]string  `mapstructure:"speeds"`
	Stream       []string           `mapstructure:"stream"`
}

type ButtonsConfig struct {
	LayoutFile string `mapstructure:"layout_file"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration. User names are case-insensitive since viper lowercases keys.
type AuthConfig struct {
	JWTSecretEnv   string                `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration         `mapstructure:"access_token_ttl"`
	Users          map[string]UserConfig `mapstructure:"users"`
}

type UserConfig struct {
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", defaultServerName())
	v.SetDefault("server.discovery_port", 8888)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.client_maximum", 0)

	v.SetDefault("network.bind_host", "")
	v.SetDefault("network.dial_timeout", control.DefaultDialTimeout)

	watch := control.DefaultWatchConfig()
	v.SetDefault("watchdog.initial_delay", watch.InitialDelay)
	v.SetDefault("watchdog.interval", watch.Interval)
	v.SetDefault("watchdog.timeout", watch.Timeout)

	v.SetDefault("discovery.broadcast_interval", "1s")
	v.SetDefault("discovery.sweep_interval", "1s")
	v.SetDefault("discovery.stale_after", "3s")
	v.SetDefault("discovery.interface_patterns", []string{})

	v.SetDefault("sensors.stream", []string{})

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "opensensorcore")
	v.SetDefault("database.max_connections", 4)

	// Auth Defaults
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("nats.subject_prefix", "sensors")
}

func defaultServerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "OpenSensorCore"
	}
	return host
}

// Load reads the YAML file at path. An empty path loads defaults and
// environment only. Environment variables use the OSC_ prefix, for example
// OSC_SERVER_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values viper cannot check by type alone.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name must not be empty")
	}
	if c.Server.DiscoveryPort < 0 || c.Server.DiscoveryPort > 65535 {
		return fmt.Errorf("server.discovery_port out of range: %d", c.Server.DiscoveryPort)
	}
	if c.Watchdog.Timeout > 0 && c.Watchdog.Interval > c.Watchdog.Timeout {
		return fmt.Errorf("watchdog.interval (%s) exceeds watchdog.timeout (%s)",
			c.Watchdog.Interval, c.Watchdog.Timeout)
	}
	if _, err := c.Sensors.ParsedOutputRanges(); err != nil {
		return err
	}
	if _, err := c.Sensors.ParsedSpeeds(); err != nil {
		return err
	}
	if _, err := c.Sensors.ParsedStream(); err != nil {
		return err
	}
	return nil
}

// ParsedOutputRanges resolves the configured sensor names.
func (s SensorsConfig) ParsedOutputRanges() (map[types.SensorType]float32, error) {
	ranges := make(map[types.SensorType]float32, len(s.OutputRanges))
	for name, r := range s.OutputRanges {
		sensor, err := types.ParseSensorType(name)
		if err != nil {
			return nil, fmt.Errorf("sensors.output_ranges: %w", err)
		}
		if r <= 0 {
			return nil, fmt.Errorf("sensors.output_ranges.%s must be positive", name)
		}
		ranges[sensor] = r
	}
	return ranges, nil
}

func (s SensorsConfig) ParsedSpeeds() (map[types.SensorType]types.SensorSpeed, error) {
	speeds := make(map[types.SensorType]types.SensorSpeed, len(s.Speeds))
	for name, value := range s.Speeds {
		sensor, err := types.ParseSensorType(name)
		if err != nil {
			return nil, fmt.Errorf("sensors.speeds: %w", err)
		}
		speed, err := types.ParseSensorSpeed(value)
		if err != nil {
			return nil, fmt.Errorf("sensors.speeds.%s: %w", name, err)
		}
		speeds[sensor] = speed
	}
	return speeds, nil
}

func (s SensorsConfig) ParsedStream() ([]types.SensorType, error) {
	stream := make([]types.SensorType, 0, len(s.Stream))
	for _, name := range s.Stream {
		sensor, err := types.ParseSensorType(name)
		if err != nil {
			return nil, fmt.Errorf("sensors.stream: %w", err)
		}
		if !slices.Contains(stream, sensor) {
			stream = append(stream, sensor)
		}
	}
	return stream, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// GetJWTSecret reads the signing secret from the configured environment variable.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
