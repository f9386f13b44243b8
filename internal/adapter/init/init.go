// Package init wires the closed set of venue adapters into the registry.
// Import it for side effects from any binary that spawns adapters.
package init

import (
	_ "github.com/BullionBear/aggbook/internal/adapter/binance"
	_ "github.com/BullionBear/aggbook/internal/adapter/bitstamp"
	_ "github.com/BullionBear/aggbook/internal/adapter/bybit"
)
