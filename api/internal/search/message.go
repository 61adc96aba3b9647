package search

import (
	"sync"
	"time"

	"clip-bot/api/internal/clip"
	"clip-bot/api/internal/media"
)

type Kind string

const (
	KindText    Kind = "text"
	KindImages  Kind = "images"
	KindResults Kind = "results"
)

type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
)

const timestampLayout = "15:04:05"

// Message is one entry of the conversation. Only the field matching Kind is set.
type Message struct {
	ID        int64
	Kind      Kind
	Origin    Origin
	Text      string
	Images    []media.Image
	Results   []clip.ImageMatch
	CreatedAt time.Time
	Timestamp string
}

func (m Message) IsUser() bool { return m.Origin == OriginUser }

// clone копирует и сами байты картинок: запись в журнале не должна меняться вслед за вызывающим.
func (m Message) clone() Message {
	if m.Images != nil {
		imgs := make([]media.Image, len(m.Images))
		for i, img := range m.Images {
			img.Data = append([]byte(nil), img.Data...)
			imgs[i] = img
		}
		m.Images = imgs
	}
	m.Results = append([]clip.ImageMatch(nil), m.Results...)
	return m
}

// Log — журнал переписки: только добавление, записи не меняются и не удаляются.
type Log struct {
	mu       sync.Mutex
	now      func() time.Time
	lastID   int64
	messages []Message
}

func NewLog(now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{now: now, messages: make([]Message, 0, 32)}
}

// Append stamps m with a creation-time id (strictly increasing) and a
// timestamp, stores a private copy and returns it.
func (l *Log) Append(m Message) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()
	id := ts.UnixNano()
	if id <= l.lastID {
		id = l.lastID + 1
	}
	l.lastID = id

	m = m.clone()
	m.ID = id
	m.CreatedAt = ts
	m.Timestamp = ts.Format(timestampLayout)
	l.messages = append(l.messages, m)
	return m.clone()
}

func (l *Log) All() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]Message, len(l.messages))
	for i, m := range l.messages {
		cp[i] = m.clone()
	}
	return cp
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
