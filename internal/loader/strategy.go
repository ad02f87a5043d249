package loader

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dashperf/dashperf/internal/config"
)

// Strategy decides whether a preload pass loads an item and in which order.
type Strategy interface {
	Name() string
	ShouldLoad(item ItemInfo, lc LoadContext) bool
	Priority(item ItemInfo, lc LoadContext) float64
}

// AccessRecorder is implemented by strategies that learn from explicit loads.
type AccessRecorder interface {
	RecordAccess(key string, at time.Time)
}

// OnDemandStrategy never preloads; items load only when requested.
type OnDemandStrategy struct{}

// Name implements Strategy.
func (OnDemandStrategy) Name() string { return "on_demand" }

// ShouldLoad implements Strategy.
func (OnDemandStrategy) ShouldLoad(ItemInfo, LoadContext) bool { return false }

// Priority implements Strategy.
func (OnDemandStrategy) Priority(item ItemInfo, _ LoadContext) float64 {
	return float64(item.Priority)
}

// ViewportStrategy preloads items whose position overlaps the viewport
// expanded by Margin on both sides.
type ViewportStrategy struct {
	Margin float64
}

// Name implements Strategy.
func (ViewportStrategy) Name() string { return "viewport" }

// ShouldLoad implements Strategy.
func (s ViewportStrategy) ShouldLoad(item ItemInfo, lc LoadContext) bool {
	if item.Position == nil || lc.Viewport == nil {
		return false
	}
	top := lc.Viewport.Top - s.Margin
	bottom := lc.Viewport.Top + lc.Viewport.Height + s.Margin
	return item.Position.Top <= bottom && item.Position.Top+item.Position.Height >= top
}

// Priority rises as the item's centre approaches the viewport centre.
func (s ViewportStrategy) Priority(item ItemInfo, lc LoadContext) float64 {
	base := float64(item.Priority)
	if item.Position == nil || lc.Viewport == nil {
		return base
	}
	distance := math.Abs(item.Position.Center() - lc.Viewport.Center())
	return base + 1/(1+distance)
}

// Model scores how likely an item is to be needed soon, in [0,1].
type Model interface {
	Score(key string, lc LoadContext) float64
}

// PredictiveStrategy preloads items whose score reaches Threshold. Without a
// Model the score is the item's share of the recent access window.
type PredictiveStrategy struct {
	threshold float64
	model     Model

	mu     sync.Mutex
	window []string
	size   int
	counts map[string]int
}

// NewPredictiveStrategy creates a predictive strategy over the last window accesses.
func NewPredictiveStrategy(window int, threshold float64, model Model) *PredictiveStrategy {
	if window < 1 {
		window = 1
	}
	return &PredictiveStrategy{
		threshold: threshold,
		model:     model,
		window:    make([]string, 0, window),
		size:      window,
		counts:    make(map[string]int),
	}
}

// Name implements Strategy.
func (*PredictiveStrategy) Name() string { return "predictive" }

// RecordAccess implements AccessRecorder.
func (s *PredictiveStrategy) RecordAccess(key string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) == s.size {
		oldest := s.window[0]
		s.window = s.window[1:]
		if s.counts[oldest]--; s.counts[oldest] <= 0 {
			delete(s.counts, oldest)
		}
	}
	s.window = append(s.window, key)
	s.counts[key]++
}

// Score returns the item's current prediction score.
func (s *PredictiveStrategy) Score(key string, lc LoadContext) float64 {
	if s.model != nil {
		return s.model.Score(key, lc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) == 0 {
		return 0
	}
	return float64(s.counts[key]) / float64(len(s.window))
}

// ShouldLoad implements Strategy.
func (s *PredictiveStrategy) ShouldLoad(item ItemInfo, lc LoadContext) bool {
	score := s.Score(item.Key, lc)
	return score > 0 && score >= s.threshold
}

// Priority implements Strategy.
func (s *PredictiveStrategy) Priority(item ItemInfo, lc LoadContext) float64 {
	return float64(item.Priority) + s.Score(item.Key, lc)
}

// StrategyFromConfig builds the configured strategy.
func StrategyFromConfig(cfg config.LoaderConfig) (Strategy, error) {
	switch cfg.Strategy {
	case "", "on_demand":
		return OnDemandStrategy{}, nil
	case "viewport":
		return ViewportStrategy{Margin: cfg.ViewportMargin}, nil
	case "predictive":
		return NewPredictiveStrategy(cfg.PredictionWindow, cfg.PredictionThreshold, nil), nil
	default:
		return nil, fmt.Errorf("unknown loader strategy: %s", cfg.Strategy)
	}
}
