package media

import (
	"sync"

	"clip-bot/api/internal/util"
)

// Handle identifies a preview acquired from a Previews registry.
type Handle uint64

// Previews выдаёт отображаемые превью (data:URI) для выбранных файлов.
// Превью живёт от Acquire до Release; повторный Release игнорируется.
type Previews struct {
	mu   sync.Mutex
	next Handle
	live map[Handle]string
}

func NewPreviews() *Previews {
	return &Previews{live: make(map[Handle]string)}
}

func (p *Previews) Acquire(img Image) Handle {
	url := util.EncodeDataURL(util.PickMIME(img.MIME, "", img.Data), img.Data)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.live[p.next] = url
	return p.next
}

func (p *Previews) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, h)
}

// URL returns the preview for h, or false once it has been released.
func (p *Previews) URL(h Handle) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.live[h]
	return u, ok
}

// Live is the number of previews not yet released.
func (p *Previews) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
