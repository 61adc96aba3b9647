package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"clip-bot/api/internal/util"
)

type Config struct {
	Port string

	TelegramBotToken string
	WebhookURL       string

	BackendURL    string
	HTTPTimeout   time.Duration // 0 — без таймаута
	DefaultLabels []string
	SessionTTL    time.Duration

	DatabaseURL string
	CacheMaxAge time.Duration
	LogLevel    string
	LogFormat   string

	Warnings []string
}

// loader копит ошибки и предупреждения, пока логгер ещё не настроен.
type loader struct {
	errs     []error
	warnings []string
}

func (l *loader) mustEnv(k string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		l.errs = append(l.errs, fmt.Errorf("missing required env %s", k))
	}
	return v
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func (l *loader) getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		l.warnings = append(l.warnings, fmt.Sprintf("config: bad %s=%q, using %s", k, v, def))
		return def
	}
	return d
}

// Load читает окружение (и .env, если есть). Предупреждения складываются в
// Config.Warnings, чтобы их записал уже настроенный логгер.
func Load() (*Config, error) {
	l := &loader{}
	if err := godotenv.Load(); err != nil {
		l.warnings = append(l.warnings, "config: .env not found, using process environment")
	}
	c := &Config{
		Port: getEnv("PORT", "8080"),

		TelegramBotToken: l.mustEnv("TELEGRAM_BOT_TOKEN"),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		BackendURL:    getEnv("CLIP_BACKEND_URL", "http://localhost:8000"),
		HTTPTimeout:   l.getDuration("CLIP_HTTP_TIMEOUT", 0),
		DefaultLabels: labelsOrDefault(getEnv("CLIP_DEFAULT_LABELS", "")),
		SessionTTL:    l.getDuration("SESSION_TTL", 24*time.Hour),

		DatabaseURL: ResolveDSN(),
		CacheMaxAge: l.getDuration("CACHE_MAX_AGE", 30*24*time.Hour),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}
	c.Warnings = l.warnings
	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	return c, nil
}

func labelsOrDefault(s string) []string {
	if ls := util.SplitList(s); len(ls) > 0 {
		return ls
	}
	return []string{"cat", "dog", "bird"}
}

// ResolveDSN: DATABASE_URL, иначе собираем из POSTGRES_*/PG*; без пароля и хоста кэш выключен.
func ResolveDSN() string {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		return v
	}
	host := strings.TrimSpace(os.Getenv("PGHOST"))
	if host == "" {
		return ""
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "clipbot"), os.Getenv("POSTGRES_PASSWORD")),
		Host:     net.JoinHostPort(host, getEnv("PGPORT", "5432")),
		Path:     "/" + getEnv("POSTGRES_DB", "clipbot"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
