// Package analyze implements the single-shot flow: one image plus a list of
// text labels in, one score per label out. Each submission replaces the
// previous results.
package analyze

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"clip-bot/api/internal/clip"
	"clip-bot/api/internal/media"
)

var (
	ErrValidation = errors.New("analyze: missing image or empty label set")
	ErrInFlight   = errors.New("analyze: request already in flight")
	ErrClosed     = errors.New("analyze: engine closed")

	errAborted = errors.New("analyze: request aborted")
)

// Тексты, которые видит пользователь.
const (
	MsgValidation   = "Upload an image and enter at least one label."
	MsgUnknown      = "Unknown error."
	MsgConnectivity = "Network error or no response from the server. Make sure the backend is running."
)

// Result is one scored label as shown to the user.
type Result struct {
	Label string
	Score float64
}

// Request is what Begin hands to the gateway.
type Request struct {
	Image media.Image
	Texts []string
}

// State — снимок видимого состояния движка.
type State struct {
	HasImage  bool
	ImageName string
	Preview   media.Handle
	Labels    []string
	Results   []Result
	Error     string
	InFlight  bool
}

type Engine struct {
	gw       clip.Gateway
	previews *media.Previews
	log      logrus.FieldLogger

	mu       sync.Mutex
	image    *media.Image
	preview  media.Handle
	labels   []string
	results  []Result
	errMsg   string
	inFlight bool
	closed   bool
}

// New создаёт движок с начальным набором подписей; пустой набор превращается в одну пустую подпись.
func New(gw clip.Gateway, previews *media.Previews, labels []string, log logrus.FieldLogger) *Engine {
	if previews == nil {
		previews = media.NewPreviews()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ls := append([]string(nil), labels...)
	if len(ls) == 0 {
		ls = []string{""}
	}
	return &Engine{
		gw:       gw,
		previews: previews,
		log:      log.WithField("engine", "analyze"),
		labels:   ls,
	}
}

// SetImage заменяет выбранную картинку без проверки типа и пересоздаёт превью.
func (e *Engine) SetImage(img media.Image) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.image != nil {
		e.previews.Release(e.preview)
	}
	cp := img
	e.image = &cp
	e.preview = e.previews.Acquire(img)
	e.errMsg = ""
}

// AddDropImage is SetImage for the drag-and-drop path: files whose declared
// type is not an image are ignored.
func (e *Engine) AddDropImage(img media.Image) bool {
	if !media.IsImage(img.MIME) {
		return false
	}
	e.SetImage(img)
	return true
}

func (e *Engine) AddLabel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.labels = append(e.labels, "")
}

// RemoveLabel удаляет подпись по индексу; последнюю оставшуюся не трогает.
func (e *Engine) RemoveLabel(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.labels) <= 1 || index < 0 || index >= len(e.labels) {
		return false
	}
	e.labels = append(e.labels[:index:index], e.labels[index+1:]...)
	return true
}

func (e *Engine) UpdateLabel(index int, value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.labels) {
		return false
	}
	e.labels[index] = value
	return true
}

// Begin validates the current input and moves the engine into the
// submitting state. The returned request carries the trimmed non-empty
// labels in their original order.
func (e *Engine) Begin() (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Request{}, ErrClosed
	}
	if e.inFlight {
		return Request{}, ErrInFlight
	}

	texts := nonEmptyTrimmed(e.labels)
	if e.image == nil || len(texts) == 0 {
		e.errMsg = MsgValidation
		return Request{}, ErrValidation
	}

	e.results = nil
	e.errMsg = ""
	e.inFlight = true

	img := *e.image
	img.Data = append([]byte(nil), e.image.Data...)
	return Request{Image: img, Texts: texts}, nil
}

// Resolve folds a gateway outcome into the state and clears the in-flight
// flag. After Close the outcome is dropped.
func (e *Engine) Resolve(out clip.AnalyzeOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.inFlight = false }()
	if e.closed {
		return
	}

	switch out.Kind {
	case clip.KindOK:
		res := make([]Result, 0, len(out.Results))
		for _, r := range out.Results {
			res = append(res, Result{Label: r.Text, Score: r.Probability})
		}
		e.results = res
	case clip.KindBackendError:
		e.errMsg = out.Message
	default:
		e.log.WithError(out.Err).Warn("analyze failed")
		if errors.Is(out.Err, clip.ErrUnknownResponse) {
			e.errMsg = MsgUnknown
		} else {
			e.errMsg = MsgConnectivity
		}
	}
}

// Submit runs one analyze cycle: Begin, one gateway call, Resolve.
// Backend and transport failures end up in State().Error, not in the
// returned error.
func (e *Engine) Submit(ctx context.Context) error {
	req, err := e.Begin()
	if err != nil {
		return err
	}
	e.Run(ctx, req)
	return nil
}

// Run sends a request obtained from Begin and resolves it. The in-flight
// flag is released even if the gateway panics.
func (e *Engine) Run(ctx context.Context, req Request) {
	out := clip.Transport[clip.LabelScore](errAborted)
	defer func() { e.Resolve(out) }()

	out = e.gw.Analyze(ctx, req.Image, req.Texts)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := State{
		Labels:   append([]string(nil), e.labels...),
		Results:  append([]Result(nil), e.results...),
		Error:    e.errMsg,
		InFlight: e.inFlight,
	}
	if e.image != nil {
		st.HasImage = true
		st.ImageName = e.image.Name
		st.Preview = e.preview
	}
	return st
}

// PreviewURL returns the data URL of the current image's preview.
func (e *Engine) PreviewURL() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.image == nil || e.closed {
		return "", false
	}
	return e.previews.URL(e.preview)
}

// Close releases the preview; results that arrive later are not observed.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.image != nil {
		e.previews.Release(e.preview)
	}
}

func nonEmptyTrimmed(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
