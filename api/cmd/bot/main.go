package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"clip-bot/api/internal/clip"
	"clip-bot/api/internal/config"
	"clip-bot/api/internal/httpserver"
	"clip-bot/api/internal/store"
	"clip-bot/api/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config")
	}
	log := cfg.NewLogger()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- CLIP backend ---
	client := clip.New(cfg.BackendURL, cfg.HTTPTimeout, log)
	var gateway clip.Gateway = client

	checks := map[string]httpserver.Check{
		"backend": func(ctx context.Context) error {
			_, err := client.Health(ctx)
			return err
		},
	}

	// --- Postgres (необязательный кэш анализа) ---
	if cfg.DatabaseURL != "" {
		db, repo, err := openCache(ctx, cfg, log)
		if err != nil {
			log.WithError(err).Fatal("analyze cache")
		}
		defer db.Close()
		gateway = clip.NewCachedGateway(client, repo, log)
		checks["db"] = db.PingContext
	} else {
		log.Info("DATABASE_URL not set: analyze cache disabled")
	}

	// --- Telegram bot ---
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		log.WithError(err).Fatal("telegram")
	}
	bot.Debug = false
	log.WithField("bot", bot.Self.UserName).Info("authorized")

	r := telegram.New(ctx, telegram.Options{
		Bot:        bot,
		Gateway:    gateway,
		Backend:    client,
		Labels:     cfg.DefaultLabels,
		SessionTTL: cfg.SessionTTL,
		Log:        log,
	})

	// DefaultServeMux: ListenForWebhook регистрирует обработчик именно там.
	httpserver.Register(http.DefaultServeMux, checks)
	addr := "0.0.0.0:" + cfg.Port

	if webhookURL := strings.TrimSpace(cfg.WebhookURL); webhookURL != "" {
		startWebhookMode(ctx, addr, bot, r, webhookURL, log)
	} else {
		startPollingMode(ctx, addr, bot, r, log)
	}
	r.Wait()
}

func openCache(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*sql.DB, *store.AnalyzeRepo, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("db connected: %s", store.SafeDSNSummary(cfg.DatabaseURL))

	repo := store.NewAnalyzeRepo(db, cfg.CacheMaxAge)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if n, err := repo.PurgeOlderThan(ctx, cfg.CacheMaxAge); err != nil {
		log.WithError(err).Warn("purge analyze cache")
	} else if n > 0 {
		log.WithField("rows", n).Info("purged stale analyze cache")
	}
	return db, repo, nil
}

// ---------------- Modes -----------------

func startWebhookMode(ctx context.Context, addr string, bot *tgbotapi.BotAPI, r *telegram.Router, baseURL string, log logrus.FieldLogger) {
	// секретный путь вебхука
	path := "/webhook/" + shortHash(bot.Token)
	public := strings.TrimRight(baseURL, "/") + path

	wh, err := tgbotapi.NewWebhook(public)
	if err != nil {
		log.WithError(err).Fatal("webhook")
	}
	wh.DropPendingUpdates = true
	if _, err := bot.Request(wh); err != nil {
		log.WithError(err).Fatal("set webhook")
	}

	updates := bot.ListenForWebhook(path)
	go func() {
		for upd := range updates {
			r.HandleUpdate(upd)
		}
		log.Info("webhook updates channel closed")
	}()

	log.Infof("webhook listening on %s%s", addr, path)
	srv := &http.Server{Addr: addr}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}

func startPollingMode(ctx context.Context, addr string, bot *tgbotapi.BotAPI, r *telegram.Router, log logrus.FieldLogger) {
	// healthz нужен и при поллинге
	go func() {
		if err := httpserver.ListenAndServe(addr, log); err != nil {
			log.WithError(err).Fatal("http server")
		}
	}()

	runPolling(ctx, bot, r.HandleUpdate, log)
}

// ---------------- Polling loop -----------------

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

func retryDelayFromError(err error) time.Duration {
	if err == nil {
		return 0
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") { // HTTP 429 от Telegram
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return 1 * time.Second
}

type updatesGetter interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

func runPolling(ctx context.Context, bot updatesGetter, handle func(tgbotapi.Update), log logrus.FieldLogger) {
	offset := 0
	baseDelay := 1 * time.Second
	maxDelay := 15 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info("polling: context cancelled")
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30 // long polling timeout (sec)

		updates, err := bot.GetUpdates(u)
		if err != nil {
			d := min(max(retryDelayFromError(err), baseDelay), maxDelay)
			log.WithError(err).Warnf("polling error; retry in %v", d)
			sleep(ctx, d)
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			handle(upd)
		}

		if len(updates) == 0 {
			sleep(ctx, 200*time.Millisecond)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ---------------- Helpers -----------------

func shortHash(s string) string {
	// лёгкий хэш для пути вебхука (не крипто, но стабильно для токена)
	h := uint64(1469598103934665603)
	const prime = 1099511628211
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[h&0xF]
		h >>= 4
	}
	return string(out)
}
