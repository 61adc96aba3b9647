package telegram

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"clip-bot/api/internal/media"
	"clip-bot/api/internal/shell"
)

const defaultDebounce = 1200 * time.Millisecond

// Sessions — по одной оболочке режимов на чат. Чат живёт, пока им пользуются:
// после SESSION_TTL простоя оболочка закрывается и при следующем сообщении
// собирается заново, как при перезагрузке страницы.
type Sessions struct {
	mu    sync.Mutex
	c     *cache.Cache
	ttl   time.Duration
	build func(chatID int64) *shell.Shell
}

func NewSessions(ttl time.Duration, build func(chatID int64) *shell.Shell) *Sessions {
	return newSessions(ttl, ttl/2, build)
}

func newSessions(ttl, cleanup time.Duration, build func(chatID int64) *shell.Shell) *Sessions {
	exp := ttl
	if ttl <= 0 {
		exp, cleanup = cache.NoExpiration, 0
	}
	c := cache.New(exp, cleanup)
	c.OnEvicted(func(_ string, v interface{}) {
		if sh, ok := v.(*shell.Shell); ok {
			sh.Close()
		}
	})
	return &Sessions{c: c, ttl: exp, build: build}
}

// Get returns the chat's shell, creating it on first use, and extends its lifetime.
func (s *Sessions) Get(chatID int64) *shell.Shell {
	key := strconv.FormatInt(chatID, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.c.Get(key); ok {
		sh := v.(*shell.Shell)
		s.c.Set(key, sh, s.ttl)
		return sh
	}
	// просроченная, но ещё не вычищенная оболочка: Set затёр бы её без OnEvicted
	s.c.DeleteExpired()
	sh := s.build(chatID)
	s.c.Set(key, sh, s.ttl)
	return sh
}

// Drop closes and forgets the chat's shell.
func (s *Sessions) Drop(chatID int64) {
	s.c.Delete(strconv.FormatInt(chatID, 10))
}

// photoBatch копит фото одного альбома (media group), пока они приходят отдельными апдейтами.
type photoBatch struct {
	ChatID int64
	Key    string // "grp:<mediaGroupID>"

	mu      sync.Mutex
	files   []fileRef
	caption string
	timer   *time.Timer
	done    chan struct{} // не nil, пока альбом качается и раскладывается
}

// fileRef — ещё не скачанный файл из апдейта.
type fileRef struct {
	FileID   string
	Name     string
	MIME     string
	Document bool // пришёл документом: тип заявлен отправителем и проверяется
}

type downloaded struct {
	media.Image
	Document bool
}

