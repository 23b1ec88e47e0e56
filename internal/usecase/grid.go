package usecase

import (
	"math"

	"github.com/vitos/crypto_grid_bot/internal/domain"
)

// exchangeMinQty is the smallest order quantity the venue accepts.
const exchangeMinQty = 0.001

// ComputeGridLevels builds candidate entry levels below the current
// price, aligned to the spacing grid, closest level first. budget caps
// how many levels are produced; the price range caps how deep the ladder
// goes.
func ComputeGridLevels(price float64, s domain.GridSettings, budget int) []domain.GridLevel {
	if budget <= 0 || price <= 0 {
		return nil
	}

	spacing := s.SpacingAt(price)
	if spacing <= 0 {
		return nil
	}

	floor := price * (1 - s.RangePercent/100)
	base := math.Floor(price/spacing) * spacing

	var levels []domain.GridLevel
	for i := 0; len(levels) < budget; i++ {
		entry := base - float64(i)*spacing
		if entry < floor || entry <= 0 {
			break
		}
		if s.AnchorEnabled && s.AnchorValue > 0 {
			entry = math.Round(entry/s.AnchorValue) * s.AnchorValue
		} else {
			entry = math.Round(entry*100) / 100
		}
		levels = append(levels, domain.GridLevel{
			EntryPrice: entry,
			TPPrice:    math.Round(entry*(1+s.TPPercent/100)*100) / 100,
			Index:      i,
		})
	}
	return levels
}

// OrderQuantity sizes one grid order in base units. Returns 0 when the
// result is below the exchange minimum.
func OrderQuantity(orderSizeUSDT, price float64) float64 {
	if price <= 0 {
		return 0
	}
	qty := math.Round(orderSizeUSDT/price*1e6) / 1e6
	if qty < exchangeMinQty {
		return 0
	}
	return qty
}
