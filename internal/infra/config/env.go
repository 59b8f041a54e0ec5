package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// applyEnv overlays environment variables on the YAML values.
func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("PRICEFEED_ENV"); ok {
		c.Environment = Environment(v)
	}
	if v, ok := get("PRICEFEED_API_ADDR"); ok {
		c.APIServer.Addr = v
	}
	if v, ok := get("PRICEFEED_SYMBOLS"); ok {
		c.Symbols = strings.Split(v, ",")
	}
	if v, ok := get("REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := get("REDIS_DB"); ok {
		if db, err := strconv.Atoi(v); err == nil {
			c.Cache.Redis.DB = db
		}
	}
	if v, ok := get("DATABASE_URL"); ok {
		c.Database.DSN = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := get("COINGECKO_API_KEY"); ok {
		c.setSourceSetting("coingecko", "apiKey", v)
	}
	if v, ok := get("COINCAP_API_KEY"); ok {
		c.setSourceSetting("coincap", "apiKey", v)
	}
}

func (c *AppConfig) setSourceSetting(adapter, key, value string) {
	for i := range c.Sources {
		if normalizeIdentifier(c.Sources[i].Adapter) != adapter {
			continue
		}
		if c.Sources[i].Config == nil {
			c.Sources[i].Config = map[string]any{}
		}
		c.Sources[i].Config[key] = value
	}
}
