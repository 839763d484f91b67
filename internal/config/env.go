package config

import (
	"strings"

	"github.com/joho/godotenv"
)

// Переменные окружения, переопределяющие конфиг.
const (
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvGeminiAPIKey  = "GEMINI_API_KEY"
	EnvMode          = "TRENDRADAR_MODE"
	EnvStorageDSN    = "TRENDRADAR_STORAGE_DSN"
	EnvLogLevel      = "LOG_LEVEL"
)

// LookupFunc совпадает с os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv загружает .env из текущего каталога, если он есть.
// Уже заданные переменные окружения не перезаписываются.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...) // файла может не быть, тогда работаем с окружением как есть
}

// ApplyEnv переносит секреты и переопределения из окружения в cfg.
// TRENDRADAR_STORAGE_DSN попадает в url для elasticsearch и в dsn для остальных видов.
func ApplyEnv(cfg *Root, lookup LookupFunc) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvTelegramToken); ok {
		cfg.Notify.TelegramToken = v
	}
	if v, ok := get(EnvGeminiAPIKey); ok {
		cfg.Gemini.APIKey = v
	}
	if v, ok := get(EnvMode); ok {
		cfg.Pipeline.Mode = v
	}
	if v, ok := get(EnvStorageDSN); ok {
		if cfg.Storage.Kind == StorageElasticsearch {
			cfg.Storage.URL = v
		} else {
			cfg.Storage.DSN = v
		}
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
}
