// Package scoring computes the six-factor ranking score for certified
// listings. It measures how a real listing should rank; whether the
// listing is real at all was the trust layer's question.
package scoring

import (
	"fmt"
	"math"
	"time"

	"cararth/ingest-service/internal/model"
)

// Factor weights. They must sum to exactly 1.0.
const (
	WeightPrice        = 0.30
	WeightRecency      = 0.15
	WeightDemand       = 0.20
	WeightCompleteness = 0.15
	WeightImageQuality = 0.10
	WeightSellerTrust  = 0.10
)

const (
	recencyWindowDays = 30
	neutralPriceScore = 70 // absence of market data is not a bad price
	neutralDemand     = 50
	maxUsefulImages   = 5
	baselineImages    = 3
)

// MarketData carries the externally supplied aggregates for one listing.
// Either figure may be unknown; unknown is handled, never treated as zero.
type MarketData struct {
	AvgPrice    float64
	AvgKnown    bool
	DemandIndex float64 // 0..1
	DemandKnown bool
}

var sellerTrustByType = map[string]float64{
	"platform-verified": 100,
	"dealer-verified":   85,
	"verified-user":     70,
	"generic-user":      50,
}

// Compute returns the full score breakdown for a certified listing.
// now is injected so recency is reproducible.
func Compute(l *model.Listing, market MarketData, now time.Time) model.ScoreBreakdown {
	b := model.ScoreBreakdown{}

	b.Price, b.PriceLabel = priceScore(float64(l.Price), market)
	b.Recency = recencyScore(l.ListingDate, now)
	b.Demand, b.DemandLabel = demandScore(market)
	b.Completeness = completenessScore(l)
	b.ImageQuality = imageQualityScore(len(l.Images))
	b.SellerTrust = sellerTrustScore(l.SellerType)

	b.ListingScore = clamp(
		b.Price*WeightPrice+
			b.Recency*WeightRecency+
			b.Demand*WeightDemand+
			b.Completeness*WeightCompleteness+
			b.ImageQuality*WeightImageQuality+
			b.SellerTrust*WeightSellerTrust,
		0, 100)

	return b
}

// priceScore rewards proximity to the market average and floors at 0 for
// anything at or beyond double the average.
func priceScore(price float64, market MarketData) (float64, string) {
	if !market.AvgKnown || market.AvgPrice <= 0 {
		return neutralPriceScore, "Market average unavailable"
	}

	deviation := math.Abs(price-market.AvgPrice) / market.AvgPrice
	score := clamp((1-deviation)*100, 0, 100)

	pct := (price - market.AvgPrice) / market.AvgPrice * 100
	var label string
	switch {
	case math.Abs(pct) < 1:
		label = "At market price"
	case pct < 0:
		label = fmt.Sprintf("%.0f%% below market", -pct)
	default:
		label = fmt.Sprintf("%.0f%% above market", pct)
	}
	return score, label
}

// recencyScore decays linearly from 100 at day 0 to 0 at the window floor.
func recencyScore(listed, now time.Time) float64 {
	if listed.IsZero() {
		return 0
	}
	days := now.Sub(listed).Hours() / 24
	if days < 0 {
		days = 0
	}
	return clamp(100*(1-days/recencyWindowDays), 0, 100)
}

func demandScore(market MarketData) (float64, string) {
	if !market.DemandKnown {
		return neutralDemand, "Unknown demand"
	}
	idx := clamp(market.DemandIndex, 0, 1)
	switch {
	case idx >= 0.7:
		return idx * 100, "Strong demand"
	case idx >= 0.4:
		return idx * 100, "Moderate demand"
	default:
		return idx * 100, "Low demand"
	}
}

// completenessScore is a weighted checklist with partial credit for
// "good enough" groups rather than all-or-nothing.
func completenessScore(l *model.Listing) float64 {
	score := 0.0

	// Core identity fields, 6 points each.
	for _, present := range []bool{l.Brand != "", l.Model != "", l.Year > 0, l.Price > 0, l.City != ""} {
		if present {
			score += 6
		}
	}

	switch n := len(l.Description); {
	case n >= 200:
		score += 15
	case n >= 80:
		score += 10
	case n > 0:
		score += 5
	}

	switch n := len(l.Images); {
	case n >= 5:
		score += 20
	case n >= 3:
		score += 15
	case n >= 1:
		score += 8
	}

	if l.VerificationStatus == model.StatusCertified {
		score += 15
	}
	if l.FuelType != "" {
		score += 10
	}
	if l.Transmission != "" {
		score += 10
	}

	return clamp(score, 0, 100)
}

// imageQualityScore blends a capped count factor with a stepwise quality
// estimate that only rises above the baseline image count.
func imageQualityScore(count int) float64 {
	capped := count
	if capped > maxUsefulImages {
		capped = maxUsefulImages
	}
	countFactor := float64(capped) / maxUsefulImages * 100

	var avgQuality float64
	switch {
	case count == 0:
		avgQuality = 0
	case count < baselineImages:
		avgQuality = 50
	case count < maxUsefulImages:
		avgQuality = 70
	case count < 8:
		avgQuality = 85
	default:
		avgQuality = 95
	}

	return countFactor*0.4 + avgQuality*0.6
}

func sellerTrustScore(sellerType string) float64 {
	if v, ok := sellerTrustByType[sellerType]; ok {
		return v
	}
	return sellerTrustByType["generic-user"]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
