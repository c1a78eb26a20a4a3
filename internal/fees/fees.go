// Package fees computes the platform's take, the estimated gateway
// processing fee, and the seller payout for a sale amount.
//
// The gateway fee is a flat-rate card estimate (2.9% + $0.30) used for
// revenue reporting; it is never reconciled against the processor's actual
// reported fee.
package fees

import (
	"errors"

	"github.com/babyresell/escrow-engine/internal/money"
)

// ErrInvalidPrice is returned for zero or negative sale prices.
var ErrInvalidPrice = errors.New("fees: sale price must be positive")

// Tier is the seller's fee tier.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Fee rates. Platform rates are basis points; the gateway estimate is
// 2.9% + 30 minor units.
const (
	StandardRateBPS = 800
	PremiumRateBPS  = 500

	gatewayRateNum  = 29
	gatewayRateDen  = 1000
	gatewayFlatFee  = money.Amount(30)
)

// Breakdown is the full fee decomposition for a sale.
// PlatformFee + SellerPayout always equals Amount exactly: the payout is
// derived by subtraction after rounding the fee.
type Breakdown struct {
	Amount             money.Amount `json:"amount"`
	PlatformFeeBPS     int          `json:"platformFeeBps"`
	PlatformFee        money.Amount `json:"platformFee"`
	GatewayFee         money.Amount `json:"gatewayFee"`
	SellerPayout       money.Amount `json:"sellerPayout"`
	NetPlatformRevenue money.Amount `json:"netPlatformRevenue"`
}

// Calculate computes the fee breakdown for a sale price in minor units.
// NetPlatformRevenue may be negative for very small sales; that is
// surfaced, not hidden.
func Calculate(price money.Amount, tier Tier) (Breakdown, error) {
	if price <= 0 {
		return Breakdown{}, ErrInvalidPrice
	}

	rateBPS := StandardRateBPS
	if tier == TierPremium {
		rateBPS = PremiumRateBPS
	}

	platformFee := money.MulDivRound(price, int64(rateBPS), 10000)
	gatewayFee := money.MulDivRound(price, gatewayRateNum, gatewayRateDen) + gatewayFlatFee

	return Breakdown{
		Amount:             price,
		PlatformFeeBPS:     rateBPS,
		PlatformFee:        platformFee,
		GatewayFee:         gatewayFee,
		SellerPayout:       price - platformFee,
		NetPlatformRevenue: platformFee - gatewayFee,
	}, nil
}
