package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel  string
	LogFormat string
	LogFile   string

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioRegion    string
	MinioUseSSL    bool
	PresignExpiry  time.Duration

	StoragePublicBaseURL string
	StreamGatewayURL     string
	StreamSigningKey     string
	StreamTokenTTL       time.Duration

	DiscordToken     string
	DiscordGuildID   string
	DiscordChannelID string

	FFmpegBinary string
	MetricsBind  string

	TuningFile string
	Tuning     Tuning
}

var validLogLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {},
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:  strings.ToLower(getEnvWithDefault("LOG_LEVEL", "info")),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "console"),
		LogFile:   os.Getenv("LOG_FILE"),

		DBHost:     os.Getenv("DB_HOST"),
		DBPort:     getEnvAsIntWithDefault("DB_PORT", 5432),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBSSLMode:  getEnvWithDefault("DB_SSLMODE", "disable"),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     getEnvAsIntWithDefault("REDIS_PORT", 6379),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvAsIntWithDefault("REDIS_DB", 0),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioRegion:    os.Getenv("MINIO_REGION"),
		MinioUseSSL:    getEnvAsBool("MINIO_USE_SSL"),
		PresignExpiry:  getEnvAsDurationWithDefault("MINIO_PRESIGN_EXPIRY", time.Hour),

		StoragePublicBaseURL: strings.TrimRight(os.Getenv("STORAGE_PUBLIC_BASE_URL"), "/"),
		StreamGatewayURL:     strings.TrimRight(os.Getenv("STREAM_GATEWAY_URL"), "/"),
		StreamSigningKey:     os.Getenv("STREAM_SIGNING_KEY"),
		StreamTokenTTL:       getEnvAsDurationWithDefault("STREAM_TOKEN_TTL", 15*time.Minute),

		DiscordToken:     os.Getenv("DISCORD_TOKEN"),
		DiscordGuildID:   os.Getenv("DISCORD_GUILD_ID"),
		DiscordChannelID: os.Getenv("DISCORD_CHANNEL_ID"),

		FFmpegBinary: getEnvWithDefault("FFMPEG_BIN", "ffmpeg"),
		MetricsBind:  os.Getenv("METRICS_BIND"),

		TuningFile: os.Getenv("TUNING_FILE"),
		Tuning:     DefaultTuning(),
	}

	if cfg.TuningFile != "" {
		tuning, err := LoadTuning(cfg.TuningFile, cfg.Tuning)
		if err != nil {
			return nil, err
		}
		cfg.Tuning = tuning
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if _, ok := validLogLevels[c.LogLevel]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error (got %q)", c.LogLevel)
	}

	if c.DBHost != "" && (c.DBUser == "" || c.DBName == "") {
		return errors.New("DB_USER and DB_NAME are required when DB_HOST is set")
	}

	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}

	if c.DiscordToken != "" && (c.DiscordGuildID == "" || c.DiscordChannelID == "") {
		return errors.New("DISCORD_GUILD_ID and DISCORD_CHANNEL_ID are required when DISCORD_TOKEN is set")
	}

	if c.StreamTokenTTL <= 0 {
		return errors.New("STREAM_TOKEN_TTL must be positive")
	}

	return c.Tuning.Validate()
}

func (c *Config) IsDatabaseEnabled() bool {
	return c.DBHost != ""
}

func (c *Config) IsRedisEnabled() bool {
	return c.RedisHost != ""
}

func (c *Config) IsMinioEnabled() bool {
	return c.MinioEndpoint != ""
}

func (c *Config) IsDiscordEnabled() bool {
	return c.DiscordToken != ""
}

func getEnvAsIntWithDefault(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvWithDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return false
}

func getEnvAsDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c *Config) GetDBConfig() *DBConfig {
	return &DBConfig{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Name:     c.DBName,
		SSLMode:  c.DBSSLMode,
	}
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

func (c *Config) GetRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		Enabled:  c.IsRedisEnabled(),
	}
}

type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	PresignExpiry time.Duration
}

func (c *Config) GetMinioConfig() *MinioConfig {
	return &MinioConfig{
		Endpoint:      c.MinioEndpoint,
		AccessKey:     c.MinioAccessKey,
		SecretKey:     c.MinioSecretKey,
		Region:        c.MinioRegion,
		UseSSL:        c.MinioUseSSL,
		PresignExpiry: c.PresignExpiry,
	}
}
