package exit

import (
	"math"

	"github.com/shopspring/decimal"
)

// Slope is the least-squares slope of samples against their index.
func Slope(samples []decimal.Decimal) decimal.Decimal {
	n := len(samples)
	if n < 2 {
		return decimal.Zero
	}
	nd := decimal.NewFromInt(int64(n))
	xMean := decimal.NewFromInt(int64(n - 1)).Div(decimal.NewFromInt(2))
	yMean := sum(samples).Div(nd)

	var num, den decimal.Decimal
	for i, y := range samples {
		dx := decimal.NewFromInt(int64(i)).Sub(xMean)
		num = num.Add(dx.Mul(y.Sub(yMean)))
		den = den.Add(dx.Mul(dx))
	}
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}

// Acceleration is the slope of the second half of samples minus the slope of
// the first half; the halves share the middle sample. It needs six samples.
func Acceleration(samples []decimal.Decimal) decimal.Decimal {
	if len(samples) < 6 {
		return decimal.Zero
	}
	mid := len(samples) / 2
	return Slope(samples[mid:]).Sub(Slope(samples[:mid+1]))
}

// ZScore returns (x-mean)/std over samples using the population standard
// deviation. ok is false when the samples do not vary.
func ZScore(x decimal.Decimal, samples []decimal.Decimal) (z decimal.Decimal, ok bool) {
	if len(samples) == 0 {
		return decimal.Zero, false
	}
	n := decimal.NewFromInt(int64(len(samples)))
	mean := sum(samples).Div(n)
	var variance decimal.Decimal
	for _, s := range samples {
		d := s.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(n)
	if !variance.IsPositive() {
		return decimal.Zero, false
	}
	std := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
	if !std.IsPositive() {
		return decimal.Zero, false
	}
	return x.Sub(mean).Div(std), true
}

func sum(samples []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, s := range samples {
		total = total.Add(s)
	}
	return total
}
