// Package trust screens assembled listings for publication. Every rule is
// human-auditable; rejection is a normal return value, never an error.
package trust

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cararth/ingest-service/internal/model"
)

const (
	// Sane bounds for an Indian used-vehicle asking price, in rupees.
	minSanePrice = 25_000
	maxSanePrice = 50_000_000
)

// portalReliability is the base trust weight per source portal. An official
// auction portal starts higher than a generic classifieds scrape.
var portalReliability = map[string]float64{
	"govt-auction": 1.0,
	"cars24":       0.85,
	"cardekho":     0.8,
	"carwale":      0.8,
	"olx":          0.6,
}

const defaultReliability = 0.6

// Screener decides whether an assembled listing is fit to publish and is
// the only component allowed to certify one.
type Screener struct {
	log *zap.Logger
}

// New constructs a Screener.
func New(log *zap.Logger) *Screener {
	return &Screener{log: log.Named("trust")}
}

// Screen produces the trust verdict for a listing whose Images already
// contain only gate-passed URLs. candidateCount is how many image
// candidates the extractor found before gating. On approval the listing is
// certified here and nowhere else.
func (s *Screener) Screen(l *model.Listing, candidateCount int, runID string) model.TrustVerdict {
	var rejections []string

	if len(l.Images) == 0 {
		rejections = append(rejections, "no images passed the authenticity gate")
	}

	if missing := missingRequiredFields(l); len(missing) > 0 {
		rejections = append(rejections, "missing required fields: "+strings.Join(missing, ", "))
	}

	if l.Price != 0 && (l.Price < minSanePrice || l.Price > maxSanePrice) {
		rejections = append(rejections, fmt.Sprintf("price %d outside sane range [%d, %d]", l.Price, minSanePrice, maxSanePrice))
	}

	score := s.trustScore(l, candidateCount)
	verdict := model.TrustVerdict{
		ListingID:  l.ID,
		RunID:      runID,
		TrustScore: score,
	}

	if len(rejections) > 0 {
		verdict.Approved = false
		verdict.Explanation = strings.Join(rejections, "; ")
	} else {
		verdict.Approved = true
		verdict.Explanation = fmt.Sprintf("approved: %d/%d images authentic, trust score %.2f", len(l.Images), candidateCount, score)
		l.VerificationStatus = model.StatusCertified
	}

	s.log.Info("trust verdict",
		zap.String("listing", l.ID),
		zap.String("run", runID),
		zap.Bool("approved", verdict.Approved),
		zap.Float64("trustScore", score),
		zap.String("explanation", verdict.Explanation),
	)
	return verdict
}

// trustScore blends image pass ratio, optional-field completeness and the
// portal's base reliability. It ranks approved listings for operators; it
// does not override the hard rules above.
func (s *Screener) trustScore(l *model.Listing, candidateCount int) float64 {
	passRatio := 0.0
	if candidateCount > 0 {
		passRatio = float64(len(l.Images)) / float64(candidateCount)
	}

	optional := 0.0
	checks := []bool{
		l.Mileage > 0,
		l.FuelType != "",
		l.Transmission != "",
		len(l.Description) >= 40,
	}
	for _, ok := range checks {
		if ok {
			optional += 1.0 / float64(len(checks))
		}
	}

	reliability, ok := portalReliability[strings.ToLower(l.SourcePortal)]
	if !ok {
		reliability = defaultReliability
	}

	return 0.5*passRatio + 0.3*optional + 0.2*reliability
}

func missingRequiredFields(l *model.Listing) []string {
	var missing []string
	if l.Brand == "" {
		missing = append(missing, "brand")
	}
	if l.Model == "" {
		missing = append(missing, "model")
	}
	if l.Year == 0 {
		missing = append(missing, "year")
	}
	if l.Price == 0 {
		missing = append(missing, "price")
	}
	if l.City == "" {
		missing = append(missing, "city")
	}
	return missing
}
