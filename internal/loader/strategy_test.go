package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashperf/dashperf/internal/config"
)

func TestViewportStrategy(t *testing.T) {
	s := ViewportStrategy{Margin: 50}
	vp := LoadContext{Viewport: &Viewport{Top: 1000, Height: 500}}

	tests := []struct {
		name string
		pos  *Position
		want bool
	}{
		{"inside", &Position{Top: 1100, Height: 100}, true},
		{"within top margin", &Position{Top: 900, Height: 60}, true},
		{"within bottom margin", &Position{Top: 1540, Height: 10}, true},
		{"above margin", &Position{Top: 800, Height: 100}, false},
		{"below margin", &Position{Top: 1600, Height: 100}, false},
		{"no position", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.ShouldLoad(ItemInfo{Position: tt.pos}, vp))
		})
	}

	assert.False(t, s.ShouldLoad(ItemInfo{Position: &Position{Top: 1100}}, LoadContext{}))

	centre := s.Priority(ItemInfo{Position: &Position{Top: 1200, Height: 100}}, vp)
	edge := s.Priority(ItemInfo{Position: &Position{Top: 1450, Height: 100}}, vp)
	assert.Greater(t, centre, edge)
}

func TestPredictiveStrategyWindow(t *testing.T) {
	s := NewPredictiveStrategy(4, 0.5, nil)
	now := time.Now()

	assert.Zero(t, s.Score("a", LoadContext{}))

	for _, k := range []string{"a", "a", "b", "a"} {
		s.RecordAccess(k, now)
	}
	assert.InDelta(t, 0.75, s.Score("a", LoadContext{}), 1e-9)
	assert.True(t, s.ShouldLoad(ItemInfo{Key: "a"}, LoadContext{}))
	assert.False(t, s.ShouldLoad(ItemInfo{Key: "b"}, LoadContext{}))

	// the window rolls: oldest accesses fall out
	for _, k := range []string{"b", "b", "b"} {
		s.RecordAccess(k, now)
	}
	assert.InDelta(t, 0.25, s.Score("a", LoadContext{}), 1e-9)
	assert.InDelta(t, 0.75, s.Score("b", LoadContext{}), 1e-9)
}

type staticModel map[string]float64

func (m staticModel) Score(key string, _ LoadContext) float64 { return m[key] }

func TestPredictiveStrategyModel(t *testing.T) {
	s := NewPredictiveStrategy(10, 0.6, staticModel{"likely": 0.9, "unlikely": 0.1})

	assert.True(t, s.ShouldLoad(ItemInfo{Key: "likely"}, LoadContext{}))
	assert.False(t, s.ShouldLoad(ItemInfo{Key: "unlikely"}, LoadContext{}))
	assert.InDelta(t, 3.9, s.Priority(ItemInfo{Key: "likely", Priority: 3}, LoadContext{}), 1e-9)
}

func TestStrategyFromConfig(t *testing.T) {
	cfg := config.NewDefault().Loader

	for name, want := range map[string]string{
		"on_demand":  "on_demand",
		"viewport":   "viewport",
		"predictive": "predictive",
	} {
		cfg.Strategy = name
		s, err := StrategyFromConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}

	cfg.Strategy = "eager"
	_, err := StrategyFromConfig(cfg)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "loaded", StateLoaded.String())
	assert.Equal(t, "stale", StateStale.String())
	assert.Equal(t, "unknown", State(42).String())
}
