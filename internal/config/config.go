package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

type ServerConfig struct {
	Addr string
}

type DBConfig struct {
	Driver string
	DSN    string
}

// RedisConfig enables event publishing when URL is set.
type RedisConfig struct {
	URL      string
	Password string
	Stream   string
}

// SettlementConfig holds the treasury account and the rates used when a
// settle request does not name its own.
type SettlementConfig struct {
	FeeTreasury           string
	DefaultFeeBps         uint16
	DefaultPlayerShareBps uint16
}

// StakeConfig bounds a single stake. Max 0 leaves stakes unbounded above.
type StakeConfig struct {
	Min uint64
	Max uint64
}

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	Settlement SettlementConfig
	Stake      StakeConfig
	LogLevel   logrus.Level
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	fee, err := getBps("DEFAULT_FEE_BPS", 200)
	if err != nil {
		return nil, err
	}
	share, err := getBps("DEFAULT_PLAYER_SHARE_BPS", 1000)
	if err != nil {
		return nil, err
	}
	if int(fee)+int(share) > 10000 {
		return nil, fmt.Errorf("DEFAULT_FEE_BPS + DEFAULT_PLAYER_SHARE_BPS must not exceed 10000, got %d", int(fee)+int(share))
	}

	minStake, err := getAmount("MIN_STAKE", 1)
	if err != nil {
		return nil, err
	}
	maxStake, err := getAmount("MAX_STAKE", 0)
	if err != nil {
		return nil, err
	}
	if maxStake != 0 && minStake > maxStake {
		return nil, fmt.Errorf("MIN_STAKE %d exceeds MAX_STAKE %d", minStake, maxStake)
	}

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "debug"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	driver := getEnv("DB_DRIVER", "sqlite3")
	if driver != "sqlite3" && driver != "postgres" {
		return nil, fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", driver)
	}

	return &Config{
		Server: ServerConfig{
			Addr: getEnv("SERVER_ADDR", ":8080"),
		},
		DB: DBConfig{
			Driver: driver,
			DSN:    getEnv("DB_DSN", "matchpool.db"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			Stream:   getEnv("EVENTS_STREAM", "pool.events"),
		},
		Settlement: SettlementConfig{
			FeeTreasury:           getEnv("FEE_TREASURY", "treasury"),
			DefaultFeeBps:         fee,
			DefaultPlayerShareBps: share,
		},
		Stake: StakeConfig{
			Min: minStake,
			Max: maxStake,
		},
		LogLevel: level,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBps(key string, defaultValue uint16) (uint16, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	bps, err := strconv.ParseUint(value, 10, 16)
	if err != nil || bps > 10000 {
		return 0, fmt.Errorf("%s must be between 0 and 10000, got %q", key, value)
	}
	return uint16(bps), nil
}

func getAmount(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	amount, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, value)
	}
	return amount, nil
}
