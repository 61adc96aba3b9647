package clip

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clip-bot/api/internal/media"
)

type countingGateway struct {
	analyzeCalls int
	searchCalls  int
	out          AnalyzeOutcome
}

func (g *countingGateway) Analyze(context.Context, media.Image, []string) AnalyzeOutcome {
	g.analyzeCalls++
	return g.out
}

func (g *countingGateway) SearchImages(context.Context, string, []media.Image) SearchOutcome {
	g.searchCalls++
	return OK([]ImageMatch{})
}

type mapCache struct {
	m map[string][]LabelScore
}

func (c *mapCache) Find(_ context.Context, h, k string) ([]LabelScore, error) {
	if v, ok := c.m[h+k]; ok {
		return v, nil
	}
	return nil, errors.New("not found")
}

func (c *mapCache) Upsert(_ context.Context, h, k string, r []LabelScore) error {
	c.m[h+k] = r
	return nil
}

func TestCachedGatewayServesRepeatFromCache(t *testing.T) {
	next := &countingGateway{out: OK([]LabelScore{{Text: "cat", Probability: 1}})}
	g := NewCachedGateway(next, &mapCache{m: map[string][]LabelScore{}}, quietLogger())
	img := media.Image{Name: "a.png", MIME: "image/png", Data: []byte{9}}

	first := g.Analyze(context.Background(), img, []string{"cat"})
	second := g.Analyze(context.Background(), img, []string{"cat"})
	require.Equal(t, KindOK, second.Kind)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, 1, next.analyzeCalls)

	g.Analyze(context.Background(), img, []string{"dog"})
	assert.Equal(t, 2, next.analyzeCalls)
}

func TestCachedGatewaySkipsFailures(t *testing.T) {
	next := &countingGateway{out: BackendError[LabelScore]("model unavailable")}
	cache := &mapCache{m: map[string][]LabelScore{}}
	g := NewCachedGateway(next, cache, quietLogger())
	img := media.Image{Data: []byte{1}}

	g.Analyze(context.Background(), img, []string{"cat"})
	g.Analyze(context.Background(), img, []string{"cat"})
	assert.Equal(t, 2, next.analyzeCalls)
	assert.Empty(t, cache.m)

	g.SearchImages(context.Background(), "q", nil)
	assert.Equal(t, 1, next.searchCalls)
}

func TestTextsKeyOrderMatters(t *testing.T) {
	assert.NotEqual(t, TextsKey([]string{"a", "b"}), TextsKey([]string{"b", "a"}))
	assert.Equal(t, TextsKey([]string{"a", "b"}), TextsKey([]string{"a", "b"}))
}
