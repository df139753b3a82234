package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                 string
	AllowedOrigin        string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	PriceCacheTTLSeconds int
	AuthSecret           string
	AccessTokenTTLMins   int
	Currency             string
	ExportDir            string
	DryRun               bool
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	priceTTL, err := strconv.Atoi(getEnv("PRICE_CACHE_TTL_SECONDS", "300"))
	if err != nil || priceTTL < 1 {
		priceTTL = 300
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                 getEnv("PORT", "8080"),
		AllowedOrigin:        getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
		PriceCacheTTLSeconds: priceTTL,
		AuthSecret:           strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMins:   tokenTTL,
		Currency:             getEnv("CURRENCY", "CLP"),
		ExportDir:            getEnv("EXPORT_DIR", "exports"),
		DryRun:               getEnv("DRY_RUN", "false") == "true",
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
