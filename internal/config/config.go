package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string
	LogLevel string

	Port          string
	AllowedOrigin string
	StaticDir     string

	DatabaseURL   string
	DBMaxConns    int
	DBAutoMigrate bool

	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	DashboardCacheTTLSeconds int

	KafkaBrokers []string
	KafkaTopic   string

	AuthSecret            string
	AccessTokenTTLMinutes int

	AllowNegativeStock bool
	LowStockThreshold  int
}

// Load reads an optional .env file from the working directory and then the
// process environment, which wins on conflicts.
func Load() Config {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	return Config{
		Env:      getString(v, "APP_ENV", "development"),
		LogLevel: getString(v, "LOG_LEVEL", "info"),

		Port:          getString(v, "PORT", "8080"),
		AllowedOrigin: getString(v, "ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		StaticDir:     getString(v, "STATIC_DIR", ""),

		DatabaseURL:   getString(v, "DATABASE_URL", ""),
		DBMaxConns:    getPositiveInt(v, "DB_MAX_CONNS", 10),
		DBAutoMigrate: getBool(v, "DB_AUTO_MIGRATE", false),

		RedisAddr:                getString(v, "REDIS_ADDR", ""),
		RedisPassword:            getString(v, "REDIS_PASSWORD", ""),
		RedisDB:                  getNonNegativeInt(v, "REDIS_DB", 0),
		DashboardCacheTTLSeconds: getPositiveInt(v, "DASHBOARD_CACHE_TTL_SECONDS", 30),

		KafkaBrokers: splitList(getString(v, "KAFKA_BROKERS", "")),
		KafkaTopic:   getString(v, "KAFKA_TOPIC", "canteen-pos.stock"),

		AuthSecret:            getString(v, "AUTH_SECRET", ""),
		AccessTokenTTLMinutes: getPositiveInt(v, "ACCESS_TOKEN_TTL_MINUTES", 480),

		AllowNegativeStock: getBool(v, "ALLOW_NEGATIVE_STOCK", true),
		LowStockThreshold:  getNonNegativeInt(v, "LOW_STOCK_THRESHOLD", 5),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getString(v *viper.Viper, key string, def string) string {
	if !v.IsSet(key) {
		return def
	}
	val := strings.TrimSpace(v.GetString(key))
	if val == "" {
		return def
	}
	return val
}

func getPositiveInt(v *viper.Viper, key string, def int) int {
	n, err := strconv.Atoi(getString(v, key, ""))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getNonNegativeInt(v *viper.Viper, key string, def int) int {
	n, err := strconv.Atoi(getString(v, key, ""))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getBool(v *viper.Viper, key string, def bool) bool {
	b, err := strconv.ParseBool(getString(v, key, ""))
	if err != nil {
		return def
	}
	return b
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
