package forecast

import "math"

func flat(v float64, horizon int) []float64 {
	out := make([]float64, horizon)
	for i := range out {
		out[i] = v
	}
	return out
}

func naive(train []float64, horizon int, _ map[string]float64, _ int) []float64 {
	return flat(train[len(train)-1], horizon)
}

func seasonalNaive(train []float64, horizon int, _ map[string]float64, period int) []float64 {
	m := period
	if m <= 0 || m > len(train) {
		return naive(train, horizon, nil, 0)
	}
	last := train[len(train)-m:]
	out := make([]float64, horizon)
	for h := range out {
		out[h] = last[h%m]
	}
	return out
}

func movingAverage(train []float64, horizon int, params map[string]float64, _ int) []float64 {
	w := int(params["window"])
	if w < 1 {
		w = 1
	}
	if w > len(train) {
		w = len(train)
	}
	sum := 0.0
	for _, v := range train[len(train)-w:] {
		sum += v
	}
	return flat(sum/float64(w), horizon)
}

func simpleExponential(train []float64, horizon int, params map[string]float64, _ int) []float64 {
	alpha := params["alpha"]
	level := train[0]
	for _, y := range train[1:] {
		level = alpha*y + (1-alpha)*level
	}
	return flat(level, horizon)
}

func holt(train []float64, horizon int, params map[string]float64, _ int) []float64 {
	alpha, beta := params["alpha"], params["beta"]
	level := train[0]
	trend := 0.0
	if len(train) > 1 {
		trend = train[1] - train[0]
	}
	for _, y := range train[1:] {
		prev := level
		level = alpha*y + (1-alpha)*(level+trend)
		trend = beta*(level-prev) + (1-beta)*trend
	}
	out := make([]float64, horizon)
	for h := range out {
		out[h] = level + float64(h+1)*trend
	}
	return out
}

// holtWinters is the additive Holt-Winters method. It needs two full seasons
// to initialise and falls back to holt otherwise.
func holtWinters(train []float64, horizon int, params map[string]float64, period int) []float64 {
	m := EffectivePeriod(period, len(train))
	if m == 0 || len(train) < 2*m {
		return holt(train, horizon, params, 0)
	}
	alpha, beta, gamma := params["alpha"], params["beta"], params["gamma"]

	first, second := mean(train[:m]), mean(train[m:2*m])
	level := first
	trend := (second - first) / float64(m)
	season := make([]float64, m)
	for i := 0; i < m; i++ {
		season[i] = train[i] - first
	}

	for t := m; t < len(train); t++ {
		y := train[t]
		s := season[t%m]
		prev := level
		level = alpha*(y-s) + (1-alpha)*(level+trend)
		trend = beta*(level-prev) + (1-beta)*trend
		season[t%m] = gamma*(y-level) + (1-gamma)*s
	}

	n := len(train)
	out := make([]float64, horizon)
	for h := range out {
		out[h] = level + float64(h+1)*trend + season[(n+h)%m]
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
