package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Switch   SwitchConfig   `yaml:"switch"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Dialer   DialerConfig   `yaml:"dialer"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
	AuthSecret string `yaml:"auth_secret"`
}

// SwitchConfig points at the media switch event socket.
type SwitchConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Password         string        `yaml:"password"`
	ReconnectMin     time.Duration `yaml:"reconnect_min"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	CommandWorkers   int           `yaml:"command_workers"`
	OriginateContext string        `yaml:"originate_context"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	ProduceTimeout time.Duration `yaml:"produce_timeout"`
}

// DialerConfig holds engine-wide dialer limits and sweep intervals.
// Per-campaign pacing (ratio bounds, abandon target, timeouts) lives on the
// campaign row, not here.
type DialerConfig struct {
	MaxLines           int           `yaml:"max_lines"`
	MaxLinesPerCamp    int           `yaml:"max_lines_per_campaign"`
	WatchdogInterval   time.Duration `yaml:"watchdog_interval"`
	RingGrace          time.Duration `yaml:"ring_grace"`
	InitiatedMaxAge    time.Duration `yaml:"initiated_max_age"`
	AutostartCampaigns bool          `yaml:"autostart_campaigns"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path and applies env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	overrideWithEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		API: APIConfig{Host: "0.0.0.0", Port: 8080},
		Switch: SwitchConfig{
			Port:             8021,
			ReconnectMin:     time.Second,
			ReconnectMax:     30 * time.Second,
			CommandTimeout:   5 * time.Second,
			CommandWorkers:   8,
			OriginateContext: "dialcore",
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		Database: DatabaseConfig{
			Port:         3306,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Kafka: KafkaConfig{ProduceTimeout: 5 * time.Second},
		Dialer: DialerConfig{
			MaxLines:         200,
			MaxLinesPerCamp:  50,
			WatchdogInterval: 10 * time.Second,
			RingGrace:        15 * time.Second,
			InitiatedMaxAge:  60 * time.Second,
		},
	}
}

// overrideWithEnv lets secrets come from the environment instead of the file.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("DIALCORE_SWITCH_PASSWORD"); v != "" {
		cfg.Switch.Password = v
	}
	if v := os.Getenv("DIALCORE_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("DIALCORE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DIALCORE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DIALCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DIALCORE_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("DIALCORE_AUTH_SECRET"); v != "" {
		cfg.API.AuthSecret = v
	}
}

func (c *Config) validate() error {
	if c.Switch.Host == "" {
		return fmt.Errorf("config: switch.host is required")
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("config: database.host and database.database are required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.API.AuthSecret == "" {
		return fmt.Errorf("config: api.auth_secret is required (or DIALCORE_AUTH_SECRET)")
	}
	return nil
}

// Address returns host:port for the API listener.
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Address returns host:port for the switch event socket.
func (s SwitchConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN returns the MySQL Data Source Name.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}
