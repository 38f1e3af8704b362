package search

import "math"

const (
	// endDetectWindow is the number of trailing lengths inspected.
	endDetectWindow = 3
	// endDetectMargin is the log-score gap below which a length is considered hopeless.
	endDetectMargin = -10.0
)

// EndDetect reports whether, for each of the last few hypothesis lengths, the
// best ended hypothesis of that length trails the overall best by more than the margin.
func EndDetect(ended []Hypothesis, i int) bool {
	if len(ended) == 0 {
		return false
	}
	best := math.Inf(-1)
	for _, h := range ended {
		best = math.Max(best, h.Score)
	}
	count := 0
	for m := 0; m < endDetectWindow; m++ {
		length := i - m
		sameBest := math.Inf(-1)
		found := false
		for _, h := range ended {
			if len(h.Tokens) == length {
				sameBest = math.Max(sameBest, h.Score)
				found = true
			}
		}
		if found && sameBest-best < endDetectMargin {
			count++
		}
	}
	return count == endDetectWindow
}
