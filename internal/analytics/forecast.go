package analytics

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/shiplens/shiplens/internal/store"
)

const (
	forecastSampleLimit = 100
	forecastTrials      = 5000
)

// Forecast estimates how many days a batch of work will take by Monte
// Carlo simulation over historical cycle times: each trial sums
// randomly drawn samples, and the reported percentiles come from the
// trial distribution.
type Forecast struct {
	Samples int     `json:"samples"`
	P50     float64 `json:"p50_days"`
	P75     float64 `json:"p75_days"`
	P85     float64 `json:"p85_days"`
	P95     float64 `json:"p95_days"`
}

// String renders the forecast for the insight record.
func (f Forecast) String() string {
	if f.Samples == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%d items: P50 %.1fd, P75 %.1fd, P85 %.1fd, P95 %.1fd (from %d samples)",
		forecastItemCount, f.P50, f.P75, f.P85, f.P95, f.Samples)
}

const forecastItemCount = 10

// ForecastDelivery runs the simulation for the default batch size over
// the most recent cycle time samples.
func ForecastDelivery(ts *store.TenantStore, rng *rand.Rand) (Forecast, error) {
	samples, err := cycleTimeSamples(ts)
	if err != nil {
		return Forecast{}, err
	}
	return simulate(samples, forecastItemCount, rng), nil
}

// cycleTimeSamples collects cycle times of the last resolved items, at
// most forecastSampleLimit, most recent last.
func cycleTimeSamples(ts *store.TenantStore) ([]float64, error) {
	since := time.Now().UTC().Add(-365 * 24 * time.Hour)
	items, err := ts.ListResolvedSince(since)
	if err != nil {
		return nil, err
	}
	var samples []float64
	for _, item := range items {
		if d, ok := cycleTimeDays(item); ok && d > 0 {
			samples = append(samples, d)
		}
	}
	if len(samples) > forecastSampleLimit {
		samples = samples[len(samples)-forecastSampleLimit:]
	}
	return samples, nil
}

func simulate(samples []float64, itemCount int, rng *rand.Rand) Forecast {
	if len(samples) == 0 {
		return Forecast{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	totals := make([]float64, forecastTrials)
	for i := range totals {
		var sum float64
		for j := 0; j < itemCount; j++ {
			sum += samples[rng.Intn(len(samples))]
		}
		totals[i] = sum
	}
	sort.Float64s(totals)

	pct := func(p float64) float64 {
		idx := int(p / 100 * float64(len(totals)-1))
		return round1(totals[idx])
	}
	return Forecast{
		Samples: len(samples),
		P50:     pct(50),
		P75:     pct(75),
		P85:     pct(85),
		P95:     pct(95),
	}
}
