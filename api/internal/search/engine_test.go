package search

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clip-bot/api/internal/clip"
	"clip-bot/api/internal/media"
)

type fakeGateway struct {
	mu      sync.Mutex
	queries []string
	batches [][]media.Image
	out     clip.SearchOutcome

	started chan struct{}
	release chan struct{}
}

func (g *fakeGateway) Analyze(context.Context, media.Image, []string) clip.AnalyzeOutcome {
	panic("not used")
}

func (g *fakeGateway) SearchImages(_ context.Context, q string, imgs []media.Image) clip.SearchOutcome {
	g.mu.Lock()
	g.queries = append(g.queries, q)
	g.batches = append(g.batches, imgs)
	g.mu.Unlock()
	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	return g.out
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queries)
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func img(name string) media.Image {
	return media.Image{Name: name, MIME: "image/jpeg", Data: []byte(name)}
}

func newEngine(gw clip.Gateway) *Engine {
	return New(gw, Options{Log: quiet()})
}

type turn struct {
	kind   Kind
	origin Origin
	text   string
}

func turns(msgs []Message) []turn {
	out := make([]turn, len(msgs))
	for i, m := range msgs {
		out[i] = turn{m.Kind, m.Origin, m.Text}
	}
	return out
}

func TestSendEmptyIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	e := newEngine(gw)
	e.SetDraftText("   ")

	assert.ErrorIs(t, e.Send(context.Background()), ErrNothingToSend)
	assert.Empty(t, e.Messages())
	assert.Equal(t, "   ", e.State().Draft)
	assert.Equal(t, 0, gw.callCount())
}

func TestSendTextOnlyShortCircuits(t *testing.T) {
	gw := &fakeGateway{}
	e := newEngine(gw)
	e.SetDraftText("red car")

	assert.ErrorIs(t, e.Send(context.Background()), ErrValidation)
	assert.Equal(t, 0, gw.callCount())
	assert.Equal(t, []turn{
		{KindText, OriginUser, "red car"},
		{KindText, OriginSystem, MsgBothRequired},
	}, turns(e.Messages()))
	assert.Empty(t, e.State().Draft)
	assert.False(t, e.State().InFlight)
}

func TestSendImagesOnlyShortCircuits(t *testing.T) {
	gw := &fakeGateway{}
	p := media.NewPreviews()
	e := New(gw, Options{Log: quiet(), Previews: p})
	e.StageImages(img("a.jpg"), img("b.jpg"))
	require.Equal(t, 2, p.Live())

	assert.ErrorIs(t, e.Send(context.Background()), ErrValidation)
	assert.Equal(t, 0, gw.callCount())

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, KindImages, msgs[0].Kind)
	assert.Len(t, msgs[0].Images, 2)
	assert.Equal(t, MsgBothRequired, msgs[1].Text)
	assert.Empty(t, e.State().Staged)
	assert.Equal(t, 0, p.Live())
}

func TestSendSuccessAppendsResults(t *testing.T) {
	matches := []clip.ImageMatch{
		{ImageName: "b.jpg", ImageData: "data:image/jpeg;base64,Yg==", Probability: 0.8},
		{ImageName: "a.jpg", ImageData: "data:image/jpeg;base64,YQ==", Probability: 0.2},
	}
	gw := &fakeGateway{out: clip.OK(matches)}
	e := newEngine(gw)
	e.SetDraftText("  a dog  ")
	e.StageImages(img("a.jpg"))
	e.StageImages(img("b.jpg"))

	require.NoError(t, e.Send(context.Background()))
	require.Equal(t, 1, gw.callCount())
	assert.Equal(t, "a dog", gw.queries[0])
	assert.Len(t, gw.batches[0], 2)

	msgs := e.Messages()
	assert.Equal(t, []turn{
		{KindText, OriginUser, "a dog"},
		{KindImages, OriginUser, ""},
		{KindText, OriginSystem, MsgSearching},
		{KindResults, OriginSystem, ""},
	}, turns(msgs))
	assert.Equal(t, matches, msgs[3].Results)
	assert.False(t, e.State().InFlight)
}

func TestSendEmptyResultsStillAppended(t *testing.T) {
	e := newEngine(&fakeGateway{out: clip.OK([]clip.ImageMatch{})})
	e.SetDraftText("cat")
	e.StageImages(img("a.jpg"))

	require.NoError(t, e.Send(context.Background()))
	msgs := e.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, KindResults, last.Kind)
	assert.Empty(t, last.Results)
}

func TestSendErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		out  clip.SearchOutcome
		want string
	}{
		{"backend", clip.BackendError[clip.ImageMatch]("no images"), MsgFailedPrefix + "no images"},
		{"transport", clip.Transport[clip.ImageMatch](errors.New("EOF")), MsgConnectivity},
		{"unknown", clip.Transport[clip.ImageMatch](clip.ErrUnknownResponse), MsgUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(&fakeGateway{out: tt.out})
			e.SetDraftText("cat")
			e.StageImages(img("a.jpg"))
			require.NoError(t, e.Send(context.Background()))

			msgs := e.Messages()
			require.Len(t, msgs, 4)
			assert.Equal(t, MsgSearching, msgs[2].Text)
			assert.Equal(t, turn{KindText, OriginSystem, tt.want}, turns(msgs)[3])
			assert.False(t, e.State().InFlight)
		})
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	gw := &fakeGateway{out: clip.OK([]clip.ImageMatch{{ImageName: "a.jpg", Probability: 1}})}
	e := newEngine(gw)

	prev := []Message{}
	inputs := []struct {
		text   string
		images int
	}{
		{"cat", 1}, {"", 0}, {"dog", 0}, {"", 2}, {"bird", 3}, {"  ", 1},
	}
	for _, in := range inputs {
		e.SetDraftText(in.text)
		for i := 0; i < in.images; i++ {
			e.StageImages(img("x.jpg"))
		}
		_ = e.Send(context.Background())

		cur := e.Messages()
		require.GreaterOrEqual(t, len(cur), len(prev))
		assert.Equal(t, prev, cur[:len(prev)])
		prev = cur
	}

	for i := 1; i < len(prev); i++ {
		assert.Greater(t, prev[i].ID, prev[i-1].ID)
	}
}

func TestMessagesReturnsCopies(t *testing.T) {
	e := newEngine(&fakeGateway{})
	e.StageImages(img("a.jpg"))
	_ = e.Send(context.Background())

	msgs := e.Messages()
	msgs[0].Images[0].Name = "mutated"
	msgs[1].Text = "mutated"

	fresh := e.Messages()
	assert.Equal(t, "a.jpg", fresh[0].Images[0].Name)
	assert.Equal(t, MsgBothRequired, fresh[1].Text)
}

func TestLoggedImageBytesDoNotFollowCaller(t *testing.T) {
	e := newEngine(&fakeGateway{})
	data := []byte{1, 2, 3}
	e.StageImages(media.Image{Name: "a.png", MIME: "image/png", Data: data})
	_ = e.Send(context.Background())

	data[0] = 9
	msgs := e.Messages()
	require.Equal(t, KindImages, msgs[0].Kind)
	assert.Equal(t, []byte{1, 2, 3}, msgs[0].Images[0].Data)

	msgs[0].Images[0].Data[1] = 7
	assert.Equal(t, []byte{1, 2, 3}, e.Messages()[0].Images[0].Data)
}

func TestSecondSendWhileInFlightIsRejected(t *testing.T) {
	gw := &fakeGateway{
		out:     clip.OK([]clip.ImageMatch{}),
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	e := newEngine(gw)
	e.SetDraftText("cat")
	e.StageImages(img("a.jpg"))

	done := make(chan error, 1)
	go func() { done <- e.Send(context.Background()) }()
	<-gw.started

	e.SetDraftText("dog")
	e.StageImages(img("b.jpg"))
	before := len(e.Messages())
	assert.ErrorIs(t, e.Send(context.Background()), ErrInFlight)
	assert.Len(t, e.Messages(), before)
	assert.Equal(t, "dog", e.State().Draft)
	assert.Equal(t, 1, gw.callCount())

	close(gw.release)
	require.NoError(t, <-done)
	assert.False(t, e.State().InFlight)
}

func TestUnstageAndClear(t *testing.T) {
	p := media.NewPreviews()
	e := New(&fakeGateway{}, Options{Log: quiet(), Previews: p})
	e.StageImages(img("a.jpg"), img("b.jpg"), img("c.jpg"))

	assert.True(t, e.UnstageImage(1))
	assert.False(t, e.UnstageImage(7))
	st := e.State()
	require.Len(t, st.Staged, 2)
	assert.Equal(t, "a.jpg", st.Staged[0].Image.Name)
	assert.Equal(t, "c.jpg", st.Staged[1].Image.Name)
	assert.Equal(t, 2, p.Live())

	e.ClearStaged()
	assert.Empty(t, e.State().Staged)
	assert.Equal(t, 0, p.Live())
}

func TestOnAppendSeesEveryMessageInOrder(t *testing.T) {
	var seen []turn
	e := New(&fakeGateway{out: clip.BackendError[clip.ImageMatch]("down")}, Options{
		Log: quiet(),
		OnAppend: func(m Message) {
			seen = append(seen, turn{m.Kind, m.Origin, m.Text})
		},
	})
	e.SetDraftText("cat")
	e.StageImages(img("a.jpg"))
	require.NoError(t, e.Send(context.Background()))

	assert.Equal(t, turns(e.Messages()), seen)
}

func TestResolveAfterCloseIsDropped(t *testing.T) {
	e := newEngine(&fakeGateway{})
	e.SetDraftText("cat")
	e.StageImages(img("a.jpg"))
	_, err := e.Begin()
	require.NoError(t, err)

	e.Close()
	e.Resolve(clip.OK([]clip.ImageMatch{}))
	assert.Len(t, e.Messages(), 3)
}

func TestLogIDsStrictlyIncreaseOnSameInstant(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	l := NewLog(func() time.Time { return fixed })

	a := l.Append(Message{Kind: KindText, Text: "a"})
	b := l.Append(Message{Kind: KindText, Text: "b"})
	assert.Greater(t, b.ID, a.ID)
	assert.Equal(t, "10:30:00", a.Timestamp)
	assert.Equal(t, 2, l.Len())
}
