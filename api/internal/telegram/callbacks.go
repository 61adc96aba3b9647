package telegram

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clip-bot/api/internal/shell"
)

func (r *Router) handleCallback(cb tgbotapi.CallbackQuery) {
	if _, err := r.Bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil { // ack
		r.log.WithError(err).Debug("callback ack failed")
	}
	if cb.Message == nil {
		return
	}
	cid := cb.Message.Chat.ID
	data := cb.Data

	switch {
	case data == cbModeAnalyze:
		r.onModeButton(cid, cb.Message.MessageID, shell.ModeAnalyze)
	case data == cbModeSearch:
		r.onModeButton(cid, cb.Message.MessageID, shell.ModeSearch)
	case data == cbLabelAdd:
		r.addLabel(cid, "")
	case data == cbRun:
		r.runAnalyze(cid)
	case data == cbClearStaged:
		r.clearStaged(cid)
	case data == cbSend:
		r.flushBatches(r.ctx, cid)
		r.searchSend(cid)
	case strings.HasPrefix(data, cbLabelRmPfx):
		if i, ok := callbackIndex(data, cbLabelRmPfx); ok {
			r.removeLabelAt(cid, i)
		}
	case strings.HasPrefix(data, cbUnstagePfx):
		if i, ok := callbackIndex(data, cbUnstagePfx); ok {
			r.unstageAt(cid, i)
		}
	default:
		r.log.WithField("data", data).Debug("unknown callback")
	}
}

// onModeButton перерисовывает переключатель на том же сообщении и переключает режим.
func (r *Router) onModeButton(chatID int64, msgID int, target shell.Mode) {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, makeModeKeyboard(target))
	if _, err := r.Bot.Send(edit); err != nil {
		r.log.WithError(err).Debug("edit mode keyboard failed")
	}
	r.switchMode(chatID, target)
}

func callbackIndex(data, prefix string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(data, prefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
