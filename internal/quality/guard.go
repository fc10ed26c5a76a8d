// Package quality scores supplier evidence before any budget is allocated
// to a product.
package quality

import (
	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionOK     Action = "OK"
	ActionVerify Action = "VERIFY"
	ActionBlock  Action = "BLOCK"
)

const (
	FlagPriceInvalid         = "price_invalid"
	FlagShippingInvalid      = "shipping_invalid"
	FlagRatingOutOfRange     = "rating_out_of_range"
	FlagNegativeCounts       = "negative_counts"
	FlagRatingLow            = "rating_low"
	FlagReviewsToSold        = "reviews_to_sold_suspicious"
	FlagPriceTooLowForVolume = "price_too_low_for_volume"
)

var (
	maxRating       = decimal.NewFromInt(5)
	lowRating       = decimal.RequireFromString("4.3")
	reviewSoldRatio = decimal.RequireFromString("0.35")
	cheapPrice      = decimal.NewFromInt(6)
	bulkSold        = 3000

	penaltyRatingLow   = decimal.RequireFromString("0.85")
	penaltyReviewRatio = decimal.RequireFromString("0.80")
	penaltyCheapVolume = decimal.RequireFromString("0.75")
	blockBelow         = decimal.RequireFromString("0.55")
	verifyBelow        = decimal.RequireFromString("0.75")
)

type Evidence struct {
	PriceUSD    decimal.Decimal `json:"price_usd"`
	ShippingUSD decimal.Decimal `json:"shipping_usd"`
	Rating      decimal.Decimal `json:"rating"`
	Reviews     int             `json:"reviews"`
	Sold        int             `json:"sold"`
}

type Result struct {
	Score  decimal.Decimal `json:"score"`
	Action Action          `json:"action"`
	Flags  []string        `json:"flags"`
}

type Guard struct{}

func NewGuard() *Guard {
	return &Guard{}
}

// Evaluate blocks impossible evidence outright and multiplies penalties for
// suspicious patterns into a score between 0 and 1.
func (g *Guard) Evaluate(ev Evidence) Result {
	switch {
	case !ev.PriceUSD.IsPositive():
		return blocked(FlagPriceInvalid)
	case ev.ShippingUSD.IsNegative():
		return blocked(FlagShippingInvalid)
	case ev.Rating.IsNegative() || ev.Rating.GreaterThan(maxRating):
		return blocked(FlagRatingOutOfRange)
	case ev.Reviews < 0 || ev.Sold < 0:
		return blocked(FlagNegativeCounts)
	}

	score := decimal.NewFromInt(1)
	flags := []string{}
	penalize := func(factor decimal.Decimal, flag string) {
		score = score.Mul(factor)
		flags = append(flags, flag)
	}

	if ev.Rating.LessThan(lowRating) {
		penalize(penaltyRatingLow, FlagRatingLow)
	}
	if ev.Sold > 0 {
		ratio := decimal.NewFromInt(int64(ev.Reviews)).Div(decimal.NewFromInt(int64(ev.Sold)))
		if ratio.GreaterThan(reviewSoldRatio) {
			penalize(penaltyReviewRatio, FlagReviewsToSold)
		}
	}
	if ev.PriceUSD.LessThan(cheapPrice) && ev.Sold >= bulkSold {
		penalize(penaltyCheapVolume, FlagPriceTooLowForVolume)
	}

	action := ActionOK
	switch {
	case score.LessThan(blockBelow):
		action = ActionBlock
	case score.LessThan(verifyBelow):
		action = ActionVerify
	}
	return Result{Score: score, Action: action, Flags: flags}
}

func blocked(flag string) Result {
	return Result{Score: decimal.Zero, Action: ActionBlock, Flags: []string{flag}}
}
