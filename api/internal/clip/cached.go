package clip

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"clip-bot/api/internal/media"
	"clip-bot/api/internal/util"
)

// AnalyzeCache stores successful analyze scores keyed by image and labels.
type AnalyzeCache interface {
	Find(ctx context.Context, imageHash, textsKey string) ([]LabelScore, error)
	Upsert(ctx context.Context, imageHash, textsKey string, results []LabelScore) error
}

// CachedGateway отдаёт повторный analyze для той же картинки и тех же подписей из кэша.
// Поиск не кэшируется. Ошибки кэша только логируются.
type CachedGateway struct {
	Next  Gateway
	Cache AnalyzeCache
	Log   logrus.FieldLogger
}

func NewCachedGateway(next Gateway, cache AnalyzeCache, log logrus.FieldLogger) *CachedGateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CachedGateway{Next: next, Cache: cache, Log: log.WithField("component", "clip_cache")}
}

func (g *CachedGateway) Analyze(ctx context.Context, image media.Image, texts []string) AnalyzeOutcome {
	if g.Cache == nil {
		return g.Next.Analyze(ctx, image, texts)
	}
	imgHash := util.SHA256Hex(image.Data)
	key := TextsKey(texts)

	if res, err := g.Cache.Find(ctx, imgHash, key); err == nil {
		g.Log.WithField("image_hash", imgHash).Debug("analyze cache hit")
		return OK(res)
	}

	out := g.Next.Analyze(ctx, image, texts)
	if out.Kind == KindOK {
		if err := g.Cache.Upsert(ctx, imgHash, key, out.Results); err != nil {
			g.Log.WithError(err).Warn("analyze cache upsert")
		}
	}
	return out
}

func (g *CachedGateway) SearchImages(ctx context.Context, query string, images []media.Image) SearchOutcome {
	return g.Next.SearchImages(ctx, query, images)
}

// TextsKey — стабильный ключ набора подписей; порядок значим.
func TextsKey(texts []string) string {
	return util.SHA256Hex([]byte(strings.Join(texts, "\x00")))
}
