package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	redislib "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingAttempts = 5
	defaultPingBackoff  = 200 * time.Millisecond
	pingTimeout         = 3 * time.Second
)

var (
	mu     sync.RWMutex
	shared *redislib.Client
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// PingAttempts and PingBackoff bound the startup handshake. Zero values
	// fall back to five attempts starting at 200ms, doubling each time.
	PingAttempts int
	PingBackoff  time.Duration
}

func (cfg Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

func (cfg Config) withDefaults() Config {
	if cfg.PingAttempts < 1 {
		cfg.PingAttempts = defaultPingAttempts
	}
	if cfg.PingBackoff <= 0 {
		cfg.PingBackoff = defaultPingBackoff
	}
	return cfg
}

// Init connects the process-wide client. The resolution cache and the
// ledger snapshot pick it up lazily through Client, so a failed Init only
// leaves them on their in-process fallbacks.
func Init(cfg Config) (*redislib.Client, error) {
	mu.Lock()
	defer mu.Unlock()

	if shared != nil {
		return shared, nil
	}

	cfg = cfg.withDefaults()
	c := redislib.NewClient(&redislib.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := handshake(c, cfg); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis at %s unreachable: %w", cfg.Addr(), err)
	}

	log.Info().Str("addr", cfg.Addr()).Int("db", cfg.DB).Msg("redis connection established")
	shared = c
	return c, nil
}

func handshake(c *redislib.Client, cfg Config) error {
	wait := cfg.PingBackoff
	var err error
	for attempt := 1; attempt <= cfg.PingAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = c.Ping(ctx).Err()
		cancel()
		if err == nil {
			return nil
		}

		log.Warn().Err(err).Int("attempt", attempt).Str("addr", cfg.Addr()).Msg("redis ping failed")
		if attempt < cfg.PingAttempts {
			time.Sleep(wait)
			wait *= 2
		}
	}
	return err
}

// Client returns the shared client, or nil when Redis is not configured or
// could not be reached.
func Client() *redislib.Client {
	mu.RLock()
	defer mu.RUnlock()
	return shared
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}
