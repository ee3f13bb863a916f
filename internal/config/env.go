package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvOverrides are deployment knobs and secrets read from the environment.
// Set values win over the file.
type EnvOverrides struct {
	LogLevel       string `env:"EXTSCHED_LOG_LEVEL"`
	Timezone       string `env:"EXTSCHED_TIMEZONE"`
	HTTPAddr       string `env:"EXTSCHED_HTTP_ADDR"`
	RedisAddr      string `env:"EXTSCHED_REDIS_ADDR"`
	RedisPassword  string `env:"EXTSCHED_REDIS_PASSWORD"`
	TelegramToken  string `env:"EXTSCHED_TELEGRAM_TOKEN"`
	TelegramChatID int64  `env:"EXTSCHED_TELEGRAM_CHAT_ID"`
	StorageDSN     string `env:"EXTSCHED_STORAGE_DSN"`
}

// LoadDotEnv loads KEY=value files into the process environment without
// overwriting variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func ReadEnv() (EnvOverrides, error) {
	return env.ParseAs[EnvOverrides]()
}

// Apply copies set overrides into cfg.
func (o EnvOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Timezone != "" {
		cfg.Scheduler.Timezone = o.Timezone
	}
	if o.HTTPAddr != "" {
		cfg.HTTP.Addr = o.HTTPAddr
	}
	if o.RedisAddr != "" {
		cfg.Redis.Addr = o.RedisAddr
	}
	if o.RedisPassword != "" {
		cfg.Redis.Password = o.RedisPassword
	}
	if o.TelegramToken != "" {
		cfg.Telegram.Token = o.TelegramToken
	}
	if o.TelegramChatID != 0 {
		cfg.Telegram.ChatID = o.TelegramChatID
	}
	if o.StorageDSN != "" && cfg.Storage != nil {
		cfg.Storage.DSN = o.StorageDSN
	}
}
