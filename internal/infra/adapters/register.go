// Package adapters wires built-in price sources into the source registry.
package adapters

import (
	"github.com/coachpo/pricefeed/internal/infra/adapters/binance"
	"github.com/coachpo/pricefeed/internal/infra/adapters/coincap"
	"github.com/coachpo/pricefeed/internal/infra/adapters/coingecko"
	"github.com/coachpo/pricefeed/internal/infra/adapters/fake"
	"github.com/coachpo/pricefeed/internal/source"
)

// RegisterAll installs every built-in adapter into the provided registry.
func RegisterAll(reg *source.Registry) {
	if reg == nil {
		return
	}
	reg.Register(binance.Name, binance.Factory)
	reg.Register(coingecko.Name, coingecko.Factory)
	reg.Register(coincap.Name, coincap.Factory)
	reg.Register(fake.Name, fake.Factory)
}
