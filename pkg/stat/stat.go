// Package stat provides the small amount of statistics the selector needs:
// simple returns, mean, standard deviation and Pearson correlation.
package stat

import (
	"github.com/shopspring/decimal"
)

// Returns converts a price series into simple period-over-period returns.
// Zero prices are skipped to avoid division blowups.
func Returns(prices []decimal.Decimal) []decimal.Decimal {
	if len(prices) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev.IsZero() {
			continue
		}
		out = append(out, prices[i].Sub(prev).Div(prev))
	}
	return out
}

// Mean returns the arithmetic mean of the series, zero for an empty series.
func Mean(xs []decimal.Decimal) decimal.Decimal {
	if len(xs) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	return sum.Div(decimal.NewFromInt(int64(len(xs))))
}

// StdDev returns the population standard deviation of the series.
func StdDev(xs []decimal.Decimal) decimal.Decimal {
	if len(xs) == 0 {
		return decimal.Zero
	}
	mean := Mean(xs)
	sumSquares := decimal.Zero
	for _, x := range xs {
		diff := x.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(xs))))
	return Sqrt(variance)
}

// Pearson returns the Pearson correlation coefficient of two equal-length
// series. Series of different lengths are truncated to the shorter one.
// Returns zero when either series is degenerate (fewer than two points or
// zero variance).
func Pearson(a, b []decimal.Decimal) decimal.Decimal {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return decimal.Zero
	}
	a, b = a[:n], b[:n]

	meanA, meanB := Mean(a), Mean(b)

	num := decimal.Zero
	for i := 0; i < n; i++ {
		num = num.Add(a[i].Sub(meanA).Mul(b[i].Sub(meanB)))
	}

	stdA, stdB := StdDev(a), StdDev(b)
	if stdA.IsZero() || stdB.IsZero() {
		return decimal.Zero
	}

	denom := decimal.NewFromInt(int64(n)).Mul(stdA).Mul(stdB)
	return num.Div(denom)
}

// Sqrt calculates the square root of a decimal using Newton's method.
func Sqrt(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() || d.IsNegative() {
		return decimal.Zero
	}

	guess := d.Div(decimal.NewFromInt(2))
	if guess.IsZero() {
		guess = d
	}

	two := decimal.NewFromInt(2)
	for i := 0; i < 50; i++ {
		next := guess.Add(d.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(decimal.New(1, -12)) {
			return next
		}
		guess = next
	}
	return guess
}
