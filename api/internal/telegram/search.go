package telegram

import (
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clip-bot/api/internal/clip"
	"clip-bot/api/internal/media"
	"clip-bot/api/internal/search"
	"clip-bot/api/internal/util"
)

// maxResultPhotos — сколько совпадений отправляем картинками, остальные списком.
const maxResultPhotos = 10

func (r *Router) searchEngine(chatID int64) (*search.Engine, bool) {
	eng := r.Sessions.Get(chatID).Search()
	if eng == nil {
		r.send(chatID, "This works in search mode. Switch with /search_mode.")
		return nil, false
	}
	return eng, true
}

// stageImages: файлы, не заявленные как картинки, молча пропускаются
// (у фото тип всегда image/jpeg).
// Подпись к альбому работает как текст запроса.
func (r *Router) stageImages(chatID int64, files []downloaded, caption string) {
	eng := r.Sessions.Get(chatID).Search()
	if eng == nil {
		return
	}
	all := make([]media.Image, len(files))
	for i, f := range files {
		all[i] = f.Image
	}
	imgs := media.Filter(all)
	if len(imgs) == 0 {
		return
	}
	eng.StageImages(imgs...)

	if caption = strings.TrimSpace(caption); caption != "" {
		eng.SetDraftText(caption)
		r.searchSend(chatID)
		return
	}
	r.showStaged(chatID)
}

// searchText — Enter в поле ввода: текст становится черновиком и сразу отправляется.
func (r *Router) searchText(chatID int64, text string) {
	eng, ok := r.searchEngine(chatID)
	if !ok {
		return
	}
	eng.SetDraftText(text)
	r.searchSend(chatID)
}

func (r *Router) searchSend(chatID int64) {
	eng, ok := r.searchEngine(chatID)
	if !ok {
		return
	}

	req, err := eng.Begin()
	switch {
	case err == nil:
	case errors.Is(err, search.ErrInFlight):
		r.send(chatID, "⏳ Still searching, please wait. Your text is kept; use /send when the answer arrives.")
		return
	case errors.Is(err, search.ErrNothingToSend):
		r.send(chatID, "Send some images and a text description first.")
		return
	case errors.Is(err, search.ErrValidation), errors.Is(err, search.ErrClosed):
		// подсказка уже попала в журнал и отрисована
		return
	default:
		r.SendError(chatID, err)
		return
	}

	r.goAsync(func() { eng.Run(r.ctx, req) })
}

func (r *Router) unstage(chatID int64, args string) {
	idx, ok := parseIndex(args)
	if !ok {
		r.send(chatID, "Usage: /unstage N")
		return
	}
	r.unstageAt(chatID, idx)
}

func (r *Router) unstageAt(chatID int64, idx int) {
	eng, ok := r.searchEngine(chatID)
	if !ok {
		return
	}
	if !eng.UnstageImage(idx) {
		r.send(chatID, "No such image.")
		return
	}
	r.showStaged(chatID)
}

func (r *Router) clearStaged(chatID int64) {
	eng, ok := r.searchEngine(chatID)
	if !ok {
		return
	}
	eng.ClearStaged()
	r.send(chatID, "🧹 Staged images cleared.")
}

func (r *Router) showStaged(chatID int64) {
	eng, ok := r.searchEngine(chatID)
	if !ok {
		return
	}
	st := eng.State()
	if len(st.Staged) == 0 {
		r.send(chatID, "No images staged. Send photos or image files.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📎 %d image(s) staged:\n", len(st.Staged))
	for i, s := range st.Staged {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Image.Name)
	}
	b.WriteString("\nNow send a text description to search.")
	r.sendWithKeyboard(chatID, b.String(), makeStagedKeyboard(len(st.Staged)))
}

// renderMessage рисует системные записи журнала по мере добавления; свои
// сообщения пользователь уже видит в чате.
func (r *Router) renderMessage(chatID int64, m search.Message) {
	if m.IsUser() {
		return
	}
	switch m.Kind {
	case search.KindResults:
		r.renderResults(chatID, m.Results)
	default:
		r.send(chatID, m.Text)
	}
}

func (r *Router) renderResults(chatID int64, results []clip.ImageMatch) {
	if len(results) == 0 {
		r.send(chatID, "No matching images found.")
		return
	}
	r.send(chatID, fmt.Sprintf("🎯 Found %d matching images", len(results)))

	var rest strings.Builder
	for i, m := range results {
		name := m.ImageName
		if name == "" {
			name = fmt.Sprintf("image_%d", i+1)
		}
		caption := fmt.Sprintf("#%d %s\n%s %s", i+1, name, bar(m.Probability), percent(m.Probability))
		if i >= maxResultPhotos {
			fmt.Fprintf(&rest, "#%d %s %s\n", i+1, name, percent(m.Probability))
			continue
		}
		data, _, err := util.DecodeBase64MaybeDataURL(m.ImageData)
		if err != nil || len(data) == 0 {
			r.send(chatID, caption)
			continue
		}
		ph := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
		ph.Caption = caption
		r.sendChattable(ph)
	}
	if rest.Len() > 0 {
		r.send(chatID, strings.TrimRight(rest.String(), "\n"))
	}
}

// showSearchPreviews отправляет превью выбранных картинок обратно в чат.
func (r *Router) showSearchPreviews(chatID int64, eng *search.Engine) {
	st := eng.State()
	if len(st.Staged) == 0 {
		r.send(chatID, "No images staged. Send photos or image files.")
		return
	}
	for i, s := range st.Staged {
		if i >= maxResultPhotos {
			r.send(chatID, fmt.Sprintf("…and %d more", len(st.Staged)-i))
			return
		}
		url, ok := eng.PreviewURL(s.Preview)
		if !ok {
			continue
		}
		r.sendPreview(chatID, url, fmt.Sprintf("%d. %s", i+1, s.Image.Name))
	}
}

func (r *Router) sendPreview(chatID int64, dataURL, caption string) {
	data, _, err := util.DecodeBase64MaybeDataURL(dataURL)
	if err != nil || len(data) == 0 {
		r.log.WithError(err).Warn("bad preview")
		return
	}
	ph := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "preview", Bytes: data})
	ph.Caption = caption
	r.sendChattable(ph)
}
