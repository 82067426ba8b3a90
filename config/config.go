package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	BTS      BTSConfig      `yaml:"bts"`
	Tracker  TrackerConfig  `yaml:"tracker"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                     string `yaml:"host" validate:"required"`
	Port                     int    `yaml:"port" validate:"required,min=1,max=65535"`
	LocationChangedTopicName string `yaml:"location_changed_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required,min=1,max=65535"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AuthConfig struct {
	// HS256 secret shared with the auth provider that issues access tokens.
	JWTSecret string `yaml:"jwt_secret" validate:"omitempty,min=32"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type BTSConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Live map scope; empty means every organization.
	OrganizationID string `yaml:"organization_id"`

	ActivityThresholdSeconds int `yaml:"activity_threshold_seconds" validate:"min=0"`
	TrailWindowMinutes       int `yaml:"trail_window_minutes" validate:"min=0"`
	TrailMaxPoints           int `yaml:"trail_max_points" validate:"min=0"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds" validate:"min=0"`
	ProfileCacheTTLSeconds   int `yaml:"profile_cache_ttl_seconds" validate:"min=0"`

	// 0 = без ограничения.
	IngestRateLimitPerMinute int `yaml:"ingest_rate_limit_per_minute" validate:"min=0"`

	// Насколько recordedAt может опережать часы сервера; 0 = 24 часа.
	MaxFutureSkewSeconds int `yaml:"max_future_skew_seconds" validate:"min=0"`
}

type TrackerConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	UserID          string `yaml:"user_id"`
	DeviceID        string `yaml:"device_id"`
	IntervalSeconds int    `yaml:"interval_seconds" validate:"min=0"`

	// "http" | "fake"
	SourceMode string `yaml:"source_mode" validate:"omitempty,oneof=http fake"`
	SourceURL  string `yaml:"source_url" validate:"omitempty,url"`
}

// LoadConfig reads YAML, expanding ${VAR} references from the environment first.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}
