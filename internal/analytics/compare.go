package analytics

import "math"

// roundHalfUp rounds to the nearest integer with halves going towards
// positive infinity. Same as Java's Math.round except for
// 0.49999999999999994, where x+0.5 rounds up to 1.
func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

// RoundTenth rounds x to one decimal place.
func RoundTenth(x float64) float64 {
	return roundHalfUp(x*10) / 10
}

func roundHundredth(x float64) float64 {
	return roundHalfUp(x*100) / 100
}

// PercentChange is the change from prev to curr in percent, rounded to
// one decimal. A zero baseline yields 0 when curr is also zero, else 100.
func PercentChange(prev, curr float64) float64 {
	if prev == 0 && curr == 0 {
		return 0
	}
	if prev == 0 {
		return 100
	}
	return roundHalfUp(((curr-prev)/prev)*1000) / 10
}

// PreviousWindow is the window of equal length that ends just before w.
func PreviousWindow(w Window) Window {
	length := w.ToMs - w.FromMs
	return Window{FromMs: w.FromMs - length, ToMs: w.FromMs - 1}
}
