package stat

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func series(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = d(v)
	}
	return out
}

func TestReturns(t *testing.T) {
	tests := []struct {
		name   string
		prices []decimal.Decimal
		want   []string
	}{
		{
			name:   "rising prices",
			prices: series("100", "110", "121"),
			want:   []string{"0.1", "0.1"},
		},
		{
			name:   "flat prices",
			prices: series("50", "50", "50"),
			want:   []string{"0", "0"},
		},
		{
			name:   "single price",
			prices: series("100"),
			want:   nil,
		},
		{
			name:   "zero price skipped",
			prices: series("100", "0", "50"),
			want:   []string{"-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Returns(tt.prices)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, w := range tt.want {
				if !got[i].Equal(d(w)) {
					t.Errorf("returns[%d] = %s, want %s", i, got[i], w)
				}
			}
		})
	}
}

func TestMean(t *testing.T) {
	got := Mean(series("1", "2", "3", "4"))
	if !got.Equal(d("2.5")) {
		t.Errorf("Mean = %s, want 2.5", got)
	}
	if !Mean(nil).IsZero() {
		t.Error("Mean of empty series should be zero")
	}
}

func TestStdDev(t *testing.T) {
	// Values 2,4,4,4,5,5,7,9 have population stddev 2.
	got := StdDev(series("2", "4", "4", "4", "5", "5", "7", "9"))
	if got.Sub(d("2")).Abs().GreaterThan(d("0.0001")) {
		t.Errorf("StdDev = %s, want 2", got)
	}
	if !StdDev(series("5")).IsZero() {
		t.Error("StdDev of one value should be zero")
	}
}

func TestSqrt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"4", "2"},
		{"2", "1.41421356"},
		{"0", "0"},
		{"0.25", "0.5"},
		{"1000000", "1000"},
	}

	for _, tt := range tests {
		got := Sqrt(d(tt.in))
		if got.Sub(d(tt.want)).Abs().GreaterThan(d("0.0001")) {
			t.Errorf("Sqrt(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}

	if !Sqrt(d("-1")).IsZero() {
		t.Error("Sqrt of negative should be zero")
	}
}

func TestPearson(t *testing.T) {
	tests := []struct {
		name string
		a, b []decimal.Decimal
		want string
	}{
		{
			name: "perfect positive",
			a:    series("1", "2", "3", "4"),
			b:    series("2", "4", "6", "8"),
			want: "1",
		},
		{
			name: "perfect negative",
			a:    series("1", "2", "3", "4"),
			b:    series("8", "6", "4", "2"),
			want: "-1",
		},
		{
			name: "constant series degenerate",
			a:    series("1", "2", "3"),
			b:    series("5", "5", "5"),
			want: "0",
		},
		{
			name: "too short",
			a:    series("1"),
			b:    series("2"),
			want: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pearson(tt.a, tt.b)
			if got.Sub(d(tt.want)).Abs().GreaterThan(d("0.0001")) {
				t.Errorf("Pearson = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPearson_TruncatesToShorter(t *testing.T) {
	a := series("1", "2", "3", "4", "5", "6")
	b := series("2", "4", "6")
	got := Pearson(a, b)
	if got.Sub(d("1")).Abs().GreaterThan(d("0.0001")) {
		t.Errorf("Pearson over truncated series = %s, want 1", got)
	}
}
