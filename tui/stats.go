package tui

import (
	"math"
	"slices"

	"github.com/gammazero/deque"
)

type distanceStats struct {
	min    float64
	max    float64
	mean   float64
	median float64
	stdDev float64
}

// calculateStats summarizes the readings in q. An empty history gives all
// zeros.
func calculateStats(q *deque.Deque[float64]) distanceStats {
	if q.Len() == 0 {
		return distanceStats{}
	}
	data := make([]float64, q.Len())
	for i := range q.Len() {
		data[i] = q.At(i)
	}

	var sum float64
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))

	slices.Sort(data)
	mid := len(data) / 2
	median := data[mid]
	if len(data)%2 == 0 {
		median = (data[mid-1] + data[mid]) / 2
	}

	var sumOfSquares float64
	for _, v := range data {
		sumOfSquares += (v - mean) * (v - mean)
	}

	return distanceStats{
		min:    data[0],
		max:    data[len(data)-1],
		mean:   mean,
		median: median,
		stdDev: math.Sqrt(sumOfSquares / float64(len(data))),
	}
}
