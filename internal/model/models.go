// Package model defines shared data structures for the ingestion service.
package model

import "time"

// VerificationStatus is the publication state of a listing.
// Only the trust layer moves a listing to certified.
type VerificationStatus string

const (
	StatusUnverified VerificationStatus = "unverified"
	StatusCertified  VerificationStatus = "certified"
)

// CandidateSource says where in the page an image candidate was discovered.
// Lower values are more trusted and win dedupe ties.
type CandidateSource string

const (
	SourceStructuredData CandidateSource = "structured-data"
	SourceMetaTag        CandidateSource = "meta-tag"
	SourcePortalGallery  CandidateSource = "portal-gallery"
	SourceHero           CandidateSource = "hero"
)

// RawPage holds one fetched HTML document. It is owned by the run that
// fetched it and discarded after extraction.
type RawPage struct {
	URL         string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// PageMetadata is best-effort metadata pulled from a listing page.
// Missing fields are not an extraction failure.
type PageMetadata struct {
	Title       string
	PriceText   string
	Description string
}

// ImageCandidate is an image URL discovered during extraction, not yet
// validated by the authenticity gate.
type ImageCandidate struct {
	URL      string
	Source   CandidateSource
	AltText  string
	Width    int // 0 when unknown
	Height   int // 0 when unknown
	Position int // index within its discovery block
}

// ImageMeta holds the measurements the gate derived from image bytes.
type ImageMeta struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	ByteSize      int     `json:"byteSize"`
	ContentType   string  `json:"contentType"`
	BytesPerPixel float64 `json:"bytesPerPixel"`
	ColorVariance float64 `json:"colorVariance"`
}

// ImageVerdict is the authenticity gate's decision for one candidate.
// Persisted as an audit record; never consulted again within the run.
type ImageVerdict struct {
	URL      string    `json:"url"`
	Passed   bool      `json:"passed"`
	Score    int       `json:"score"`
	Critical bool      `json:"critical"`
	Reasons  []string  `json:"reasons,omitempty"`
	Meta     ImageMeta `json:"meta"`
}

// Listing is the canonical marketplace record assembled by the normalizer.
// VerificationStatus starts unverified; the trust layer is the only writer
// of StatusCertified.
type Listing struct {
	ID                 string
	Title              string
	Brand              string
	Model              string
	Year               int
	Price              int
	Mileage            int
	FuelType           string
	Transmission       string
	Location           string
	City               string
	SourcePortal       string
	SourceURL          string
	Images             []string
	Description        string
	Features           []string
	Condition          string
	SellerType         string
	VerificationStatus VerificationStatus
	ListingDate        time.Time
}

// TrustVerdict is one immutable trust-screening audit record per listing
// per ingestion run.
type TrustVerdict struct {
	ListingID   string  `json:"listingId"`
	RunID       string  `json:"runId"`
	Approved    bool    `json:"approved"`
	TrustScore  float64 `json:"trustScore"`
	Explanation string  `json:"explanation"`
}

// ScoreBreakdown is the six-factor ranking score for a certified listing.
// Sub-scores are 0–100 before weighting; ListingScore is the weighted sum.
type ScoreBreakdown struct {
	Price        float64 `json:"price"`
	Recency      float64 `json:"recency"`
	Demand       float64 `json:"demand"`
	Completeness float64 `json:"completeness"`
	ImageQuality float64 `json:"imageQuality"`
	SellerTrust  float64 `json:"sellerTrust"`
	ListingScore float64 `json:"listingScore"`
	PriceLabel   string  `json:"priceLabel"`
	DemandLabel  string  `json:"demandLabel"`
}
