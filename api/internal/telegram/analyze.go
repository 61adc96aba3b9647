package telegram

import (
	"errors"
	"strings"

	"clip-bot/api/internal/analyze"
)

// analyzeEngine возвращает движок анализа или подсказывает переключить режим.
func (r *Router) analyzeEngine(chatID int64) (*analyze.Engine, bool) {
	eng := r.Sessions.Get(chatID).Analyze()
	if eng == nil {
		r.send(chatID, "This works in analyze mode. Switch with /analyze_mode.")
		return nil, false
	}
	return eng, true
}

// setAnalyzeImage берёт первый файл: фото ставится как есть, документ — только если заявлен как картинка.
func (r *Router) setAnalyzeImage(chatID int64, files []downloaded) {
	eng := r.Sessions.Get(chatID).Analyze()
	if eng == nil || len(files) == 0 {
		return
	}
	f := files[0]
	if f.Document {
		if !eng.AddDropImage(f.Image) {
			return
		}
	} else {
		eng.SetImage(f.Image)
	}
	r.showLabels(chatID)
}

// addLabel: пустой текст добавляет пустую подпись, иначе текст заполняет
// первую пустую подпись или становится новой.
func (r *Router) addLabel(chatID int64, text string) {
	eng, ok := r.analyzeEngine(chatID)
	if !ok {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		eng.AddLabel()
		r.showLabels(chatID)
		return
	}
	labels := eng.State().Labels
	for i, l := range labels {
		if strings.TrimSpace(l) == "" {
			eng.UpdateLabel(i, text)
			r.showLabels(chatID)
			return
		}
	}
	eng.AddLabel()
	eng.UpdateLabel(len(labels), text)
	r.showLabels(chatID)
}

func (r *Router) removeLabel(chatID int64, args string) {
	idx, ok := parseIndex(args)
	if !ok {
		r.send(chatID, "Usage: /rm N")
		return
	}
	r.removeLabelAt(chatID, idx)
}

func (r *Router) removeLabelAt(chatID int64, idx int) {
	eng, ok := r.analyzeEngine(chatID)
	if !ok {
		return
	}
	if !eng.RemoveLabel(idx) {
		if len(eng.State().Labels) <= 1 {
			r.send(chatID, "The last label cannot be removed.")
		} else {
			r.send(chatID, "No such label.")
		}
		return
	}
	r.showLabels(chatID)
}

// setLabel: "/set N text"; без текста подпись очищается.
func (r *Router) setLabel(chatID int64, args string) {
	num, rest, _ := strings.Cut(args, " ")
	idx, ok := parseIndex(num)
	if !ok {
		r.send(chatID, "Usage: /set N text")
		return
	}
	eng, ok := r.analyzeEngine(chatID)
	if !ok {
		return
	}
	if !eng.UpdateLabel(idx, strings.TrimSpace(rest)) {
		r.send(chatID, "No such label.")
		return
	}
	r.showLabels(chatID)
}

func (r *Router) showLabels(chatID int64) {
	eng, ok := r.analyzeEngine(chatID)
	if !ok {
		return
	}
	st := eng.State()
	r.sendWithKeyboard(chatID, formatLabels(st), makeLabelsKeyboard(st.Labels, st.InFlight))
}

func (r *Router) runAnalyze(chatID int64) {
	sh := r.Sessions.Get(chatID)
	eng := sh.Analyze()
	if eng == nil {
		r.send(chatID, "This works in analyze mode. Switch with /analyze_mode.")
		return
	}

	req, err := eng.Begin()
	switch {
	case err == nil:
	case errors.Is(err, analyze.ErrInFlight):
		r.send(chatID, "⏳ Still analyzing, please wait.")
		return
	case errors.Is(err, analyze.ErrValidation):
		r.send(chatID, "⚠️ "+analyze.MsgValidation)
		return
	case errors.Is(err, analyze.ErrClosed):
		return
	default:
		r.SendError(chatID, err)
		return
	}

	r.send(chatID, "🔄 Analyzing…")
	r.goAsync(func() {
		eng.Run(r.ctx, req)
		// режим успели сменить — результат никому не показываем
		if sh.Analyze() != eng {
			return
		}
		r.renderAnalyze(chatID, eng.State())
	})
}

func (r *Router) renderAnalyze(chatID int64, st analyze.State) {
	if st.Error != "" {
		r.send(chatID, "⚠️ "+st.Error)
		return
	}
	r.sendWithKeyboard(chatID, formatAnalyzeResults(st.Results), makeLabelsKeyboard(st.Labels, st.InFlight))
}
