// Package forecast provides the reference forecasting models the optimizer
// tunes, their parameter search spaces, and the model registry.
//
// Supported model types:
//
//   - naive: repeats the last observation
//   - seasonal_naive: repeats the last full season
//   - moving_average: mean of the trailing window
//   - simple_exponential_smoothing: level-only smoothing (alpha)
//   - holt: level and trend smoothing (alpha, beta)
//   - holt_winters: additive level, trend and season (alpha, beta, gamma)
//
// All forecasters are total. Short training input shrinks windows and seasonal
// periods rather than failing.
package forecast
