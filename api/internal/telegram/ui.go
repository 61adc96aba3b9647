package telegram

import (
	"fmt"
	"math"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"clip-bot/api/internal/analyze"
	"clip-bot/api/internal/shell"
)

const (
	cbModeAnalyze = "mode:analyze"
	cbModeSearch  = "mode:search"
	cbLabelAdd    = "label:add"
	cbLabelRmPfx  = "label:rm:"
	cbRun         = "analyze:run"
	cbUnstagePfx  = "stage:rm:"
	cbClearStaged = "stage:clear"
	cbSend        = "search:send"

	barWidth = 10
	maxText  = 3900
)

// Переключатель режимов: две взаимоисключающие кнопки, активная помечена.
func makeModeKeyboard(active shell.Mode) tgbotapi.InlineKeyboardMarkup {
	label := func(m shell.Mode, title string) string {
		if m == active {
			return "• " + title + " •"
		}
		return title
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData(label(shell.ModeAnalyze, "📊 Analyze"), cbModeAnalyze),
		tgbotapi.NewInlineKeyboardButtonData(label(shell.ModeSearch, "🔍 Search"), cbModeSearch),
	))
}

// Кнопки удаления подписей показываем, только когда их больше одной.
func makeLabelsKeyboard(labels []string, inFlight bool) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if len(labels) > 1 {
		var row []tgbotapi.InlineKeyboardButton
		for i := range labels {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("❌ %d", i+1), fmt.Sprintf("%s%d", cbLabelRmPfx, i)))
			if len(row) == 5 {
				rows = append(rows, row)
				row = nil
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	run := tgbotapi.NewInlineKeyboardButtonData("🚀 Analyze", cbRun)
	if inFlight {
		run = tgbotapi.NewInlineKeyboardButtonData("🔄 Analyzing…", cbRun)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("➕ Add label", cbLabelAdd),
		run,
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func makeStagedKeyboard(n int) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i := 0; i < n; i++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("× %d", i+1), fmt.Sprintf("%s%d", cbUnstagePfx, i)))
		if len(row) == 5 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🧹 Clear images", cbClearStaged),
		tgbotapi.NewInlineKeyboardButtonData("🚀 Send", cbSend),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// bar рисует долю p ∈ [0,1] полосой фиксированной ширины; значения вне диапазона прижимаются.
func bar(p float64) string {
	if math.IsNaN(p) {
		p = 0
	}
	p = math.Max(0, math.Min(1, p))
	full := int(math.Round(p * barWidth))
	return strings.Repeat("▰", full) + strings.Repeat("▱", barWidth-full)
}

func percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p*100)
}

func formatLabels(st analyze.State) string {
	var b strings.Builder
	b.WriteString("📝 Labels:\n")
	for i, l := range st.Labels {
		if strings.TrimSpace(l) == "" {
			l = "(empty)"
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, l)
	}
	if st.HasImage {
		fmt.Fprintf(&b, "\n📸 Image: %s", st.ImageName)
	} else {
		b.WriteString("\n📸 No image yet: send a photo or an image file.")
	}
	return b.String()
}

func formatAnalyzeResults(results []analyze.Result) string {
	var b strings.Builder
	b.WriteString("📊 Results:\n")
	if len(results) == 0 {
		b.WriteString("(no scores returned)")
	}
	for _, r := range results {
		fmt.Fprintf(&b, "%s\n%s %s\n", r.Label, bar(r.Score), percent(r.Score))
	}
	return strings.TrimRight(b.String(), "\n")
}

func helpText(mode shell.Mode) string {
	switch mode {
	case shell.ModeSearch:
		return "🔍 Search mode\n" +
			"Send one or more images, then a text description: I will rank the images by how well they match.\n" +
			"A caption on the photos works too.\n\n" +
			"/send — search with the staged images\n/unstage N — drop staged image N\n/clear — drop all staged images\n/staged — list staged images\n/preview — show staged images\n/reset — start over"
	default:
		return "📊 Analyze mode\n" +
			"Send an image and a few labels: I will score how well each label describes the image.\n" +
			"Any text message adds a label.\n\n" +
			"/add [text] — add a label\n/set N text — change label N\n/rm N — remove label N\n/labels — show labels\n/preview — show the image\n/run — analyze\n/reset — start over"
	}
}
