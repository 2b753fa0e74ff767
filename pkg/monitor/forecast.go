package monitor

import (
	"fmt"
	"time"
)

const (
	// forecastMinSamples is the minimum history needed for a projection
	forecastMinSamples = 10
	// forecastWindow is how many of the newest samples the regression uses
	forecastWindow = 20
)

// regression holds an ordinary least-squares fit over y values indexed by
// their position (x = 0..n-1).
type regression struct {
	slope     float64
	intercept float64
	r2        float64
}

// fitLine computes the OLS line and R² for the series. A series whose
// variance is zero fits its own mean exactly: confidence 1 when the
// residuals are zero, else 0.
func fitLine(ys []float64) regression {
	n := float64(len(ys))
	if n == 0 {
		return regression{}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return regression{intercept: sumY / n, r2: 1}
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	mean := sumY / n
	var ssTot, ssRes float64
	for i, y := range ys {
		predicted := intercept + slope*float64(i)
		ssRes += (y - predicted) * (y - predicted)
		ssTot += (y - mean) * (y - mean)
	}

	r2 := 0.0
	if ssTot == 0 {
		if ssRes == 0 {
			r2 = 1
		}
	} else {
		r2 = 1 - ssRes/ssTot
	}
	return regression{slope: slope, intercept: intercept, r2: clamp(r2, 0, 1)}
}

// forecastMetric projects one metric horizonMinutes into the future from the
// regression window: predicted = intercept + slope * (horizon / interval),
// clamped to [0,100], with confidence = R². An advisory message is attached
// when the projection crosses the warning threshold.
func forecastMetric(metric MetricType, ys []float64, horizonMinutes int, interval time.Duration, warningThreshold float64) MetricForecast {
	fit := fitLine(ys)

	intervalMs := float64(interval.Milliseconds())
	if intervalMs <= 0 {
		intervalMs = float64(DefaultCollectInterval.Milliseconds())
	}
	steps := float64(horizonMinutes) * 60 * 1000 / intervalMs
	predicted := clamp(fit.intercept+fit.slope*steps, 0, 100)

	forecast := MetricForecast{
		Predicted:  predicted,
		Confidence: fit.r2,
		Slope:      fit.slope,
	}
	if predicted >= warningThreshold {
		forecast.Message = fmt.Sprintf("projected %s usage %.1f%% crosses the %.0f%% warning threshold within %d minutes",
			metric, predicted, warningThreshold, horizonMinutes)
	}
	return forecast
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
