package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/types"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
	"github.com/kyj1435/perpdex-cycler/internal/venue/paper"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func asset(venueName, base string) types.Asset {
	return types.Asset{
		Symbol:    base + "-PERP",
		Venue:     venueName,
		BaseAsset: base,
	}
}

func TestStaticSource_Pairwise(t *testing.T) {
	src := NewStaticSource(map[string]map[string]decimal.Decimal{
		"BTC": {"ETH": d("0.8")},
	})

	tests := []struct {
		name      string
		longs     []types.Asset
		candidate types.Asset
		want      string
	}{
		{
			name:      "direct lookup",
			longs:     []types.Asset{asset("a", "BTC")},
			candidate: asset("b", "ETH"),
			want:      "0.8",
		},
		{
			name:      "symmetric lookup",
			longs:     []types.Asset{asset("a", "ETH")},
			candidate: asset("b", "BTC"),
			want:      "0.8",
		},
		{
			name:      "same key is perfectly correlated",
			longs:     []types.Asset{asset("a", "BTC")},
			candidate: asset("b", "BTC"),
			want:      "1",
		},
		{
			name:      "unknown pair is zero",
			longs:     []types.Asset{asset("a", "SOL")},
			candidate: asset("b", "DOGE"),
			want:      "0",
		},
		{
			name:      "mean over long side",
			longs:     []types.Asset{asset("a", "BTC"), asset("c", "ETH")},
			candidate: asset("b", "ETH"),
			want:      "0.9", // (0.8 + 1) / 2
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := src.AggregateCorrelation(context.Background(), tt.longs, tt.candidate)
			if err != nil {
				t.Fatalf("AggregateCorrelation() = %v", err)
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("rho = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStaticSource_EmptyLongSide(t *testing.T) {
	src := NewStaticSource(nil)
	if _, err := src.AggregateCorrelation(context.Background(), nil, asset("a", "BTC")); err == nil {
		t.Fatal("expected error for empty long side")
	}
}

func newPriceVenue(t *testing.T, name string, symbols ...string) *paper.Gateway {
	t.Helper()
	gw := paper.New(paper.DefaultConfig(name), nil)
	for _, sym := range symbols {
		gw.SetAsset(venue.TradableAsset{
			Symbol:        sym,
			BaseAsset:     sym,
			QuoteAsset:    "USDC",
			MinSize:       d("0.0001"),
			SizePrecision: 4,
		}, d("100"))
	}
	if err := gw.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return gw
}

func TestSampledSource_PerfectlyCorrelatedWalk(t *testing.T) {
	gwA := newPriceVenue(t, "a", "XXX")
	gwB := newPriceVenue(t, "b", "YYY")

	src := NewSampledSource(SampledConfig{
		Samples:  4,
		Interval: 2 * time.Millisecond,
		CacheTTL: time.Minute,
	}, map[string]venue.Gateway{"a": gwA, "b": gwB}, nil)

	// Drive both symbols up the identical monotone path while the
	// source samples them.
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for i := 1; i <= 30; i++ {
			time.Sleep(500 * time.Microsecond)
			p := d("100").Add(decimal.NewFromInt(int64(i)))
			gwA.SetPrice("XXX", p)
			gwB.SetPrice("YYY", p)
		}
	}()

	long := types.Asset{Symbol: "XXX", Venue: "a", BaseAsset: "XXX"}
	cand := types.Asset{Symbol: "YYY", Venue: "b", BaseAsset: "YYY"}

	rho, err := src.AggregateCorrelation(context.Background(), []types.Asset{long}, cand)
	<-stop
	if err != nil {
		t.Fatalf("AggregateCorrelation() = %v", err)
	}
	// Sampling the two venues is not tick-synchronized, so the series
	// are close but not identical; require strong positive correlation.
	if rho.LessThan(d("0.5")) {
		t.Errorf("rho = %s, want strongly positive", rho)
	}
}

func TestSampledSource_CachesSeries(t *testing.T) {
	gwA := newPriceVenue(t, "a", "XXX")
	gwB := newPriceVenue(t, "b", "YYY")

	cfg := SampledConfig{Samples: 3, Interval: time.Millisecond, CacheTTL: time.Minute}
	gws := map[string]venue.Gateway{"a": gwA, "b": gwB}
	src := NewSampledSource(cfg, gws, nil)

	long := types.Asset{Symbol: "XXX", Venue: "a", BaseAsset: "XXX"}
	cand := types.Asset{Symbol: "YYY", Venue: "b", BaseAsset: "YYY"}

	// Move prices so the series are not degenerate.
	go func() {
		for i := 0; i < 10; i++ {
			time.Sleep(500 * time.Microsecond)
			p := d("100").Add(decimal.NewFromInt(int64(i)))
			gwA.SetPrice("XXX", p)
			gwB.SetPrice("YYY", p)
		}
	}()

	if _, err := src.AggregateCorrelation(context.Background(), []types.Asset{long}, cand); err != nil {
		t.Fatalf("first call = %v", err)
	}

	// A second scoring round must reuse the cached series instead of
	// resampling: with flat prices a fresh sample would be degenerate.
	if _, err := src.AggregateCorrelation(context.Background(), []types.Asset{long}, cand); err != nil {
		t.Fatalf("second call = %v, want cached series", err)
	}
}

func TestSampledSource_UnknownVenue(t *testing.T) {
	src := NewSampledSource(DefaultSampledConfig(), map[string]venue.Gateway{}, nil)
	long := types.Asset{Symbol: "XXX", Venue: "ghost", BaseAsset: "XXX"}
	if _, err := src.AggregateCorrelation(context.Background(), []types.Asset{long}, long); err == nil {
		t.Fatal("expected error for unknown venue")
	}
}
