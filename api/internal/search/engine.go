// Package search implements the conversational flow: every user turn (text
// and/or images) is recorded in an append-only log and answered by a system
// turn with a status line or a ranked list of matching images.
package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"clip-bot/api/internal/clip"
	"clip-bot/api/internal/media"
)

var (
	ErrNothingToSend = errors.New("search: nothing to send")
	ErrValidation    = errors.New("search: both text and images are required")
	ErrInFlight      = errors.New("search: request already in flight")
	ErrClosed        = errors.New("search: engine closed")

	errAborted = errors.New("search: request aborted")
)

const (
	MsgBothRequired = "Provide both a search text and images to run a search."
	MsgSearching    = "Searching for matching images…"
	MsgFailedPrefix = "Search failed: "
	MsgUnknown      = "Search failed with an unknown error."
	MsgConnectivity = "Network error or no response from the server. Make sure the backend is running."
)

// Staged is an image waiting for the next Send, with its preview.
type Staged struct {
	Image   media.Image
	Preview media.Handle
}

// Request is what Begin hands to the gateway.
type Request struct {
	Query  string
	Images []media.Image
}

type State struct {
	Draft    string
	Staged   []Staged
	InFlight bool
	Messages int
}

type Options struct {
	Previews *media.Previews
	Log      logrus.FieldLogger
	Now      func() time.Time
	// OnAppend is called for every new log entry, in log order, outside the engine lock.
	OnAppend func(Message)
}

type Engine struct {
	gw       clip.Gateway
	previews *media.Previews
	log      logrus.FieldLogger
	history  *Log
	onAppend func(Message)

	mu       sync.Mutex
	draft    string
	staged   []Staged
	inFlight bool
	closed   bool
	pending  []Message

	notifyMu sync.Mutex
}

func New(gw clip.Gateway, opts Options) *Engine {
	if opts.Previews == nil {
		opts.Previews = media.NewPreviews()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Engine{
		gw:       gw,
		previews: opts.Previews,
		log:      opts.Log.WithField("engine", "search"),
		history:  NewLog(opts.Now),
		onAppend: opts.OnAppend,
	}
}

// StageImages добавляет файлы к уже выбранным; количество не ограничено.
func (e *Engine) StageImages(imgs ...media.Image) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, img := range imgs {
		e.staged = append(e.staged, Staged{Image: img, Preview: e.previews.Acquire(img)})
	}
}

func (e *Engine) UnstageImage(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.staged) {
		return false
	}
	e.previews.Release(e.staged[index].Preview)
	e.staged = append(e.staged[:index:index], e.staged[index+1:]...)
	return true
}

func (e *Engine) ClearStaged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseStagedLocked()
}

func (e *Engine) SetDraftText(v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draft = v
}

// Begin records the user's turn and clears the input. It returns
// ErrNothingToSend when there is no input at all and ErrValidation when only
// one of text/images was given; in both cases no request must be made.
// Otherwise the engine is in flight and the request must be passed to Resolve.
func (e *Engine) Begin() (Request, error) {
	defer e.flush()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Request{}, ErrClosed
	}
	if e.inFlight {
		return Request{}, ErrInFlight
	}

	query := strings.TrimSpace(e.draft)
	if query == "" && len(e.staged) == 0 {
		return Request{}, ErrNothingToSend
	}

	images := make([]media.Image, len(e.staged))
	for i, s := range e.staged {
		images[i] = s.Image
	}

	if query != "" {
		e.appendLocked(Message{Kind: KindText, Origin: OriginUser, Text: query})
	}
	if len(images) > 0 {
		e.appendLocked(Message{Kind: KindImages, Origin: OriginUser, Images: images})
	}

	e.draft = ""
	e.releaseStagedLocked()

	if query == "" || len(images) == 0 {
		e.appendLocked(Message{Kind: KindText, Origin: OriginSystem, Text: MsgBothRequired})
		return Request{}, ErrValidation
	}

	e.inFlight = true
	e.appendLocked(Message{Kind: KindText, Origin: OriginSystem, Text: MsgSearching})
	return Request{Query: query, Images: images}, nil
}

// Resolve appends the system turn for a gateway outcome and clears the
// in-flight flag. After Close the outcome is dropped.
func (e *Engine) Resolve(out clip.SearchOutcome) {
	defer e.flush()

	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.inFlight = false }()
	if e.closed {
		return
	}

	switch out.Kind {
	case clip.KindOK:
		e.appendLocked(Message{Kind: KindResults, Origin: OriginSystem, Results: out.Results})
	case clip.KindBackendError:
		e.appendLocked(Message{Kind: KindText, Origin: OriginSystem, Text: MsgFailedPrefix + out.Message})
	default:
		e.log.WithError(out.Err).Warn("search failed")
		text := MsgConnectivity
		if errors.Is(out.Err, clip.ErrUnknownResponse) {
			text = MsgUnknown
		}
		e.appendLocked(Message{Kind: KindText, Origin: OriginSystem, Text: text})
	}
}

// Send runs one conversational turn. Local rejections come back as errors;
// backend and transport failures become system messages.
func (e *Engine) Send(ctx context.Context) error {
	req, err := e.Begin()
	if err != nil {
		return err
	}
	e.Run(ctx, req)
	return nil
}

// Run performs the gateway call for a request obtained from Begin.
func (e *Engine) Run(ctx context.Context, req Request) {
	out := clip.Transport[clip.ImageMatch](errAborted)
	defer func() { e.Resolve(out) }()

	out = e.gw.SearchImages(ctx, req.Query, req.Images)
}

// PreviewURL resolves a staged image's preview handle; released handles report false.
func (e *Engine) PreviewURL(h media.Handle) (string, bool) {
	return e.previews.URL(h)
}

func (e *Engine) Messages() []Message { return e.history.All() }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Draft:    e.draft,
		Staged:   append([]Staged(nil), e.staged...),
		InFlight: e.inFlight,
		Messages: e.history.Len(),
	}
}

// Close releases staged previews; outcomes that arrive later are not observed.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.releaseStagedLocked()
}

func (e *Engine) appendLocked(m Message) {
	m = e.history.Append(m)
	if e.onAppend != nil {
		e.pending = append(e.pending, m)
	}
}

func (e *Engine) releaseStagedLocked() {
	for _, s := range e.staged {
		e.previews.Release(s.Preview)
	}
	e.staged = nil
}

// flush отдаёт слушателю накопленные записи вне e.mu, сохраняя порядок журнала.
func (e *Engine) flush() {
	if e.onAppend == nil {
		return
	}
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, m := range batch {
		e.onAppend(m)
	}
}
