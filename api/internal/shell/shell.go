// Package shell holds the active interaction mode and the one engine that
// is mounted for it.
package shell

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"clip-bot/api/internal/analyze"
	"clip-bot/api/internal/search"
)

var ErrUnknownMode = errors.New("shell: unknown mode")

type Mode string

const (
	ModeAnalyze Mode = "analyze"
	ModeSearch  Mode = "search"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAnalyze, ModeSearch:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Factory builds a fresh engine each time its mode is mounted.
type Factory struct {
	Analyze func() *analyze.Engine
	Search  func() *search.Engine
}

type Shell struct {
	factory Factory

	mu      sync.Mutex
	mode    Mode
	analyze *analyze.Engine
	search  *search.Engine
}

// New starts in analyze mode.
func New(f Factory) *Shell {
	s := &Shell{factory: f, mode: ModeAnalyze}
	s.analyze = f.Analyze()
	return s
}

func (s *Shell) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SwitchMode переключает режим без подтверждений. Старый движок закрывается
// (его незавершённый запрос доработает, но результат никто не увидит),
// новый создаётся с нуля. Переключение в текущий режим ничего не меняет.
func (s *Shell) SwitchMode(target Mode) error {
	if target != ModeAnalyze && target != ModeSearch {
		return fmt.Errorf("%w: %q", ErrUnknownMode, target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if target == s.mode {
		return nil
	}
	s.unmountLocked()
	s.mode = target
	switch target {
	case ModeAnalyze:
		s.analyze = s.factory.Analyze()
	case ModeSearch:
		s.search = s.factory.Search()
	}
	return nil
}

// Analyze returns the mounted analyze engine, or nil in search mode.
func (s *Shell) Analyze() *analyze.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyze
}

// Search returns the mounted search engine, or nil in analyze mode.
func (s *Shell) Search() *search.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.search
}

func (s *Shell) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmountLocked()
}

func (s *Shell) unmountLocked() {
	if s.analyze != nil {
		s.analyze.Close()
		s.analyze = nil
	}
	if s.search != nil {
		s.search.Close()
		s.search = nil
	}
}
