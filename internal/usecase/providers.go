package usecase

import (
	"context"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// StaticGridConfig serves fixed grid settings. Used directly when no
// dashboard config collaborator is wired, and as the fallback when one
// is unavailable.
type StaticGridConfig struct {
	Settings domain.GridSettings
}

func (s *StaticGridConfig) GridSettings(ctx context.Context) (domain.GridSettings, error) {
	return s.Settings, nil
}

// StaticSignalFilter always reports the same verdict. The real MACD/EMA
// filter lives in an external service; this stands in for it when the
// bot runs unfiltered.
type StaticSignalFilter struct {
	Allow bool
	State domain.LifecycleState
}

func (s *StaticSignalFilter) Evaluate(candles []domain.Candle) (bool, domain.LifecycleState) {
	return s.Allow, s.State
}
