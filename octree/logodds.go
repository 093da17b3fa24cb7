package octree

import "math"

// Probability converts a log-odds value to an occupancy probability.
func Probability(logOdds float64) float64 {
	return 1 / (1 + math.Exp(-logOdds))
}

// LogOdds converts an occupancy probability to its log-odds representation ln(p/(1-p)).
func LogOdds(p float64) float64 {
	return math.Log(p / (1 - p))
}
