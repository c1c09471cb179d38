// Package forecast is the seam for expense forecasting. No model is wired
// yet; the stub answers every request with a placeholder.
package forecast

import (
	"context"

	"finet/internal/core"
)

const ComingSoon = "AI Feature coming soon..."

type Result struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

type Forecaster interface {
	Forecast(ctx context.Context, entries []core.Entry) (Result, error)
}

type Stub struct{}

func (Stub) Forecast(ctx context.Context, entries []core.Entry) (Result, error) {
	return Result{Message: ComingSoon}, nil
}

var _ Forecaster = Stub{}
