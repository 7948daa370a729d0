package rates

import (
	"math"
	"sort"
)

// madScale converts a median absolute deviation into an approximation of a
// standard deviation for normally distributed data.
const madScale = 1.4826

// minOutlierSamples is the minimum bucket size before the filter applies;
// smaller buckets accept every candidate unconditionally.
const minOutlierSamples = 4

// filterOutlier tests candidate against the existing bucket samples using a
// median/MAD bound of k scaled deviations. When the MAD is zero it falls
// back to a mean/standard-deviation test. Returns the accepted value,
// whether it was clipped, and false when the candidate is rejected.
func filterOutlier(samples []float64, candidate, k float64, mode OutlierMode) (accepted float64, clipped, ok bool) {
	if len(samples) < minOutlierSamples {
		return candidate, false, true
	}

	center, spread := medianMAD(samples)
	if spread == 0 {
		center, spread = meanStddev(samples)
	}
	if spread == 0 {
		// All samples identical; only an exact match is in-bounds.
		if candidate == center {
			return candidate, false, true
		}
		if mode == OutlierClip {
			return center, true, true
		}
		return 0, false, false
	}

	lo := center - k*spread
	hi := center + k*spread
	if candidate >= lo && candidate <= hi {
		return candidate, false, true
	}

	if mode == OutlierClip {
		if candidate < lo {
			return lo, true, true
		}
		return hi, true, true
	}
	return 0, false, false
}

// medianMAD returns the sample median and the MAD scaled to approximate a
// standard deviation.
func medianMAD(samples []float64) (median, scaledMAD float64) {
	median = medianOf(samples)
	deviations := make([]float64, len(samples))
	for i, v := range samples {
		deviations[i] = math.Abs(v - median)
	}
	return median, medianOf(deviations) * madScale
}

func meanStddev(samples []float64) (mean, stddev float64) {
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))

	var sum float64
	for _, v := range samples {
		d := v - mean
		sum += d * d
	}
	return mean, math.Sqrt(sum / float64(len(samples)))
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
