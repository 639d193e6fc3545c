// Package correlation scores short-side candidates against the long-side
// aggregate for the selector.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
	"github.com/kyj1435/perpdex-cycler/pkg/stat"
)

// SampledConfig controls live price sampling.
type SampledConfig struct {
	Samples  int           // price points per series
	Interval time.Duration // spacing between samples
	CacheTTL time.Duration // how long a sampled series stays valid
}

// DefaultSampledConfig matches the short sampling window the strategy
// was tuned with: one minute of five-second samples.
func DefaultSampledConfig() SampledConfig {
	return SampledConfig{
		Samples:  12,
		Interval: 5 * time.Second,
		CacheTTL: 5 * time.Minute,
	}
}

// SampledSource computes Pearson correlation over freshly sampled return
// series. Series are cached per venue/symbol so one selection round does
// not resample the long side for every candidate.
type SampledSource struct {
	cfg      SampledConfig
	gateways map[string]venue.Gateway
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedSeries
}

type cachedSeries struct {
	returns []decimal.Decimal
	at      time.Time
}

// NewSampledSource creates a sampling correlation source.
func NewSampledSource(cfg SampledConfig, gateways map[string]venue.Gateway, logger *slog.Logger) *SampledSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Samples < 2 {
		cfg.Samples = 2
	}
	return &SampledSource{
		cfg:      cfg,
		gateways: gateways,
		logger:   logger,
		cache:    make(map[string]cachedSeries),
	}
}

// AggregateCorrelation returns the Pearson coefficient between the
// candidate's return series and the equal-weight mean of the long-side
// return series.
func (s *SampledSource) AggregateCorrelation(ctx context.Context, longs []types.Asset, candidate types.Asset) (decimal.Decimal, error) {
	agg, err := s.aggregateReturns(ctx, longs)
	if err != nil {
		return decimal.Zero, err
	}

	cand, err := s.returns(ctx, candidate.Venue, candidate.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	return stat.Pearson(agg, cand), nil
}

// aggregateReturns builds the element-wise mean of the long assets'
// return series, truncated to the shortest series.
func (s *SampledSource) aggregateReturns(ctx context.Context, longs []types.Asset) ([]decimal.Decimal, error) {
	var series [][]decimal.Decimal
	minLen := -1
	for _, a := range longs {
		r, err := s.returns(ctx, a.Venue, a.Symbol)
		if err != nil {
			s.logger.Debug("long series unavailable", "symbol", a.Symbol, "venue", a.Venue, "err", err)
			continue
		}
		series = append(series, r)
		if minLen < 0 || len(r) < minLen {
			minLen = len(r)
		}
	}
	if len(series) == 0 || minLen < 2 {
		return nil, fmt.Errorf("no usable long-side return series")
	}

	n := decimal.NewFromInt(int64(len(series)))
	agg := make([]decimal.Decimal, minLen)
	for i := 0; i < minLen; i++ {
		sum := decimal.Zero
		for _, r := range series {
			sum = sum.Add(r[i])
		}
		agg[i] = sum.Div(n)
	}
	return agg, nil
}

// returns fetches (or serves from cache) the sampled return series for
// one symbol on one venue.
func (s *SampledSource) returns(ctx context.Context, venueName, symbol string) ([]decimal.Decimal, error) {
	key := venueName + "/" + symbol

	s.mu.Lock()
	if c, ok := s.cache[key]; ok && time.Since(c.at) < s.cfg.CacheTTL {
		s.mu.Unlock()
		return c.returns, nil
	}
	s.mu.Unlock()

	gw, ok := s.gateways[venueName]
	if !ok {
		return nil, fmt.Errorf("unknown venue %s", venueName)
	}

	prices := make([]decimal.Decimal, 0, s.cfg.Samples)
	for i := 0; i < s.cfg.Samples; i++ {
		price, err := gw.GetMarkPrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		prices = append(prices, price)

		if i < s.cfg.Samples-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.Interval):
			}
		}
	}

	ret := stat.Returns(prices)
	if len(ret) < 2 {
		return nil, fmt.Errorf("degenerate return series for %s", key)
	}

	s.mu.Lock()
	s.cache[key] = cachedSeries{returns: ret, at: time.Now()}
	s.mu.Unlock()
	return ret, nil
}

// StaticSource serves correlations from a prepared matrix keyed by the
// assets' correlation keys. Used in tests and when an external matrix
// feed is configured.
type StaticSource struct {
	matrix map[string]map[string]decimal.Decimal
}

// NewStaticSource creates a matrix-backed source. Lookup is symmetric and
// a key correlates perfectly with itself.
func NewStaticSource(matrix map[string]map[string]decimal.Decimal) *StaticSource {
	return &StaticSource{matrix: matrix}
}

// AggregateCorrelation returns the mean of the pairwise coefficients
// between the candidate's key and each long asset's key.
func (s *StaticSource) AggregateCorrelation(_ context.Context, longs []types.Asset, candidate types.Asset) (decimal.Decimal, error) {
	if len(longs) == 0 {
		return decimal.Zero, fmt.Errorf("empty long side")
	}
	sum := decimal.Zero
	for _, l := range longs {
		sum = sum.Add(s.pairwise(l.Key(), candidate.Key()))
	}
	return sum.Div(decimal.NewFromInt(int64(len(longs)))), nil
}

func (s *StaticSource) pairwise(a, b string) decimal.Decimal {
	if a == b {
		return decimal.NewFromInt(1)
	}
	if row, ok := s.matrix[a]; ok {
		if rho, ok := row[b]; ok {
			return rho
		}
	}
	if row, ok := s.matrix[b]; ok {
		if rho, ok := row[a]; ok {
			return rho
		}
	}
	return decimal.Zero
}
