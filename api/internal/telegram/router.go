// Package telegram is the chat surface: every chat owns a mode shell, and
// updates are turned into engine operations whose state is rendered back
// as messages and inline keyboards.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"clip-bot/api/internal/analyze"
	"clip-bot/api/internal/clip"
	"clip-bot/api/internal/media"
	"clip-bot/api/internal/search"
	"clip-bot/api/internal/shell"
	"clip-bot/api/internal/util"
)

// BotAPI — часть *tgbotapi.BotAPI, которой пользуется роутер.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// HealthChecker reports whether the similarity backend is up.
type HealthChecker interface {
	Health(ctx context.Context) (clip.Health, error)
}

type Options struct {
	Bot        BotAPI
	Gateway    clip.Gateway
	Backend    HealthChecker // optional
	Labels     []string      // initial analyze labels
	SessionTTL time.Duration
	Log        logrus.FieldLogger
	// Download fetches a Telegram file by its direct URL; defaults to a plain GET.
	Download func(ctx context.Context, url string) ([]byte, error)
	// Debounce is how long an album waits for its next photo.
	Debounce time.Duration
}

type Router struct {
	Bot      BotAPI
	Gateway  clip.Gateway
	Backend  HealthChecker
	Sessions *Sessions
	Download func(ctx context.Context, url string) ([]byte, error)

	labels   []string
	debounce time.Duration
	log      logrus.FieldLogger
	ctx      context.Context
	wg       sync.WaitGroup
	batches  sync.Map // key -> *photoBatch
}

// New builds a router. ctx bounds every backend call started by the router:
// switching mode does not cancel a request, it only hides its result.
func New(ctx context.Context, opts Options) *Router {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Download == nil {
		opts.Download = download
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	r := &Router{
		Bot:      opts.Bot,
		Gateway:  opts.Gateway,
		Backend:  opts.Backend,
		Download: opts.Download,
		labels:   append([]string(nil), opts.Labels...),
		debounce: opts.Debounce,
		log:      opts.Log.WithField("component", "telegram"),
		ctx:      ctx,
	}
	r.Sessions = NewSessions(opts.SessionTTL, r.newShell)
	return r
}

// newShell собирает оболочку чата; превью общие на оба режима чата.
func (r *Router) newShell(chatID int64) *shell.Shell {
	log := r.log.WithField("chat_id", chatID)
	previews := media.NewPreviews()
	return shell.New(shell.Factory{
		Analyze: func() *analyze.Engine {
			return analyze.New(r.Gateway, previews, r.labels, log)
		},
		Search: func() *search.Engine {
			return search.New(r.Gateway, search.Options{
				Previews: previews,
				Log:      log,
				OnAppend: func(m search.Message) { r.renderMessage(chatID, m) },
			})
		},
	})
}

func (r *Router) HandleUpdate(upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		r.handleCallback(*upd.CallbackQuery)
		return
	}
	msg := upd.Message
	if msg == nil {
		return
	}
	cid := msg.Chat.ID

	if msg.IsCommand() {
		r.HandleCommand(msg)
		return
	}

	if ref, ok := fileFromMessage(msg); ok {
		r.acceptFile(r.ctx, msg, ref)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	switch r.Sessions.Get(cid).Mode() {
	case shell.ModeSearch:
		r.flushBatches(r.ctx, cid)
		r.searchText(cid, text)
	default:
		r.addLabel(cid, text)
	}
}

func (r *Router) HandleCommand(msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())
	sh := r.Sessions.Get(cid)

	switch msg.Command() {
	case "start", "help":
		r.sendWithKeyboard(cid, helpText(sh.Mode()), makeModeKeyboard(sh.Mode()))
	case "mode":
		r.sendWithKeyboard(cid, "Current mode: "+string(sh.Mode()), makeModeKeyboard(sh.Mode()))
	case "analyze_mode":
		r.switchMode(cid, shell.ModeAnalyze)
	case "search_mode":
		r.switchMode(cid, shell.ModeSearch)
	case "health":
		r.health(cid)
	case "preview":
		r.preview(cid)
	case "reset":
		r.Sessions.Drop(cid)
		sh = r.Sessions.Get(cid)
		r.sendWithKeyboard(cid, "🔄 Started over.\n\n"+helpText(sh.Mode()), makeModeKeyboard(sh.Mode()))

	case "add":
		r.addLabel(cid, args)
	case "rm":
		r.removeLabel(cid, args)
	case "set":
		r.setLabel(cid, args)
	case "labels":
		r.showLabels(cid)
	case "run":
		r.runAnalyze(cid)

	case "send":
		r.flushBatches(r.ctx, cid)
		r.searchSend(cid)
	case "unstage":
		r.unstage(cid, args)
	case "clear":
		r.clearStaged(cid)
	case "staged":
		r.showStaged(cid)

	default:
		r.send(cid, "Unknown command. /help lists what I can do.")
	}
}

func (r *Router) switchMode(chatID int64, target shell.Mode) {
	sh := r.Sessions.Get(chatID)
	if err := sh.SwitchMode(target); err != nil {
		r.SendError(chatID, err)
		return
	}
	r.sendWithKeyboard(chatID, helpText(target), makeModeKeyboard(target))
}

func (r *Router) health(chatID int64) {
	if r.Backend == nil {
		r.send(chatID, "✅ OK")
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	h, err := r.Backend.Health(ctx)
	if err != nil {
		r.log.WithError(err).Warn("backend health check failed")
		r.send(chatID, "❌ Backend is unreachable.")
		return
	}
	model := "not loaded"
	if h.ModelLoaded {
		model = "loaded"
	}
	r.send(chatID, fmt.Sprintf("✅ Backend: %s, model %s", h.Status, model))
}

// preview показывает то, что сейчас выбрано в активном режиме.
func (r *Router) preview(chatID int64) {
	sh := r.Sessions.Get(chatID)
	if eng := sh.Search(); eng != nil {
		r.showSearchPreviews(chatID, eng)
		return
	}
	eng := sh.Analyze()
	if eng == nil {
		return
	}
	url, ok := eng.PreviewURL()
	if !ok {
		r.send(chatID, "No image yet: send a photo or an image file.")
		return
	}
	r.sendPreview(chatID, url, "📸 "+eng.State().ImageName)
}

// goAsync запускает сетевую часть операции вне цикла апдейтов.
func (r *Router) goAsync(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.WithField("panic", rec).Error("background task panicked")
			}
		}()
		fn()
	}()
}

// Wait blocks until every background request started so far has finished.
func (r *Router) Wait() { r.wg.Wait() }

func parseIndex(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}

func (r *Router) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, util.Truncate(text, maxText))
	r.sendChattable(msg)
}

func (r *Router) sendWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, util.Truncate(text, maxText))
	msg.ReplyMarkup = kb
	r.sendChattable(msg)
}

func (r *Router) sendChattable(c tgbotapi.Chattable) {
	if _, err := r.Bot.Send(c); err != nil {
		r.log.WithError(err).Warn("telegram send failed")
	}
}

func (r *Router) SendError(chatID int64, err error) {
	switch {
	case errors.Is(err, shell.ErrUnknownMode):
		r.send(chatID, "Unknown mode. Use /analyze_mode or /search_mode.")
	default:
		r.log.WithError(err).WithField("chat_id", chatID).Error("request failed")
		r.send(chatID, "Something went wrong, please try again.")
	}
}
