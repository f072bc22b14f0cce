// Package store persists canonical listings and the per-run audit trail.
// The listings table owns uniqueness on (source_portal, source_url):
// re-ingesting a URL replaces the prior row, never duplicates it. Audit
// rows are append-only; history is never rewritten.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"cararth/ingest-service/internal/model"
)

// ListingStore is the persistence boundary of the pipeline.
type ListingStore struct {
	pool *pgxpool.Pool
}

// New constructs a ListingStore.
func New(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

// UpsertListing writes a listing keyed by (source_portal, source_url).
// The upsert is idempotent: a re-ingested listing replaces the old record,
// except listing_date, which keeps the first-seen value so a listing's age
// does not reset on every run. The surviving date is read back into l.
func (s *ListingStore) UpsertListing(ctx context.Context, l *model.Listing) error {
	features, err := json.Marshal(l.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	images, err := json.Marshal(l.Images)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO listings (
		    id, title, brand, model, year, price, mileage, fuel_type,
		    transmission, location, city, source_portal, source_url, images,
		    description, features, condition, seller_type, verification_status,
		    listing_date, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15,$16::jsonb,$17,$18,$19,$20,now())
		 ON CONFLICT (source_portal, source_url) DO UPDATE SET
		    title = EXCLUDED.title,
		    brand = EXCLUDED.brand,
		    model = EXCLUDED.model,
		    year = EXCLUDED.year,
		    price = EXCLUDED.price,
		    mileage = EXCLUDED.mileage,
		    fuel_type = EXCLUDED.fuel_type,
		    transmission = EXCLUDED.transmission,
		    location = EXCLUDED.location,
		    city = EXCLUDED.city,
		    images = EXCLUDED.images,
		    description = EXCLUDED.description,
		    features = EXCLUDED.features,
		    condition = EXCLUDED.condition,
		    seller_type = EXCLUDED.seller_type,
		    verification_status = EXCLUDED.verification_status,
		    updated_at = now()
		 RETURNING listing_date`,
		l.ID, l.Title, l.Brand, l.Model, l.Year, l.Price, l.Mileage, l.FuelType,
		l.Transmission, l.Location, l.City, l.SourcePortal, l.SourceURL, string(images),
		l.Description, string(features), l.Condition, l.SellerType, string(l.VerificationStatus),
		l.ListingDate,
	).Scan(&l.ListingDate)
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", l.SourceURL, err)
	}
	return nil
}

// SaveImageVerdicts appends one audit row per gate verdict for a run.
func (s *ListingStore) SaveImageVerdicts(ctx context.Context, runID, listingID string, verdicts []model.ImageVerdict) error {
	for _, v := range verdicts {
		meta, err := json.Marshal(v.Meta)
		if err != nil {
			return fmt.Errorf("marshal image meta: %w", err)
		}
		reasons, err := json.Marshal(v.Reasons)
		if err != nil {
			return fmt.Errorf("marshal reasons: %w", err)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO image_verdicts (run_id, listing_id, url, passed, score, critical, reasons, meta, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8::jsonb,now())`,
			runID, listingID, v.URL, v.Passed, v.Score, v.Critical, string(reasons), string(meta),
		)
		if err != nil {
			return fmt.Errorf("insert image verdict for %s: %w", v.URL, err)
		}
	}
	return nil
}

// SaveTrustVerdict appends the listing-level trust audit row for a run.
func (s *ListingStore) SaveTrustVerdict(ctx context.Context, v model.TrustVerdict) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trust_verdicts (run_id, listing_id, approved, trust_score, explanation, created_at)
		 VALUES ($1,$2,$3,$4,$5,now())`,
		v.RunID, v.ListingID, v.Approved, v.TrustScore, v.Explanation,
	)
	if err != nil {
		return fmt.Errorf("insert trust verdict for %s: %w", v.ListingID, err)
	}
	return nil
}

// SaveScore stores the latest ranking breakdown for a certified listing.
func (s *ListingStore) SaveScore(ctx context.Context, listingID string, b model.ScoreBreakdown) error {
	breakdown, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal score breakdown: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO listing_scores (listing_id, listing_score, breakdown, updated_at)
		 VALUES ($1,$2,$3::jsonb,now())
		 ON CONFLICT (listing_id) DO UPDATE SET
		    listing_score = EXCLUDED.listing_score,
		    breakdown = EXCLUDED.breakdown,
		    updated_at = now()`,
		listingID, b.ListingScore, string(breakdown),
	)
	if err != nil {
		return fmt.Errorf("upsert score for %s: %w", listingID, err)
	}
	return nil
}

// AuditRecord is one row of the per-listing audit trail, for operators
// investigating false rejections or approvals.
type AuditRecord struct {
	RunID     string          `json:"runId"`
	Kind      string          `json:"kind"` // "image" or "trust"
	Passed    bool            `json:"passed"`
	Score     float64         `json:"score"`
	Detail    string          `json:"detail"`
	ExtraJSON json.RawMessage `json:"extra,omitempty"`
	At        time.Time       `json:"at"`
}

// AuditTrail returns the image and trust verdict history for a listing,
// newest first.
func (s *ListingStore) AuditTrail(ctx context.Context, listingID string) ([]AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, 'image', passed, score::float8, url, reasons::text, created_at
		   FROM image_verdicts WHERE listing_id = $1
		 UNION ALL
		 SELECT run_id, 'trust', approved, trust_score, explanation, NULL, created_at
		   FROM trust_verdicts WHERE listing_id = $1
		 ORDER BY 7 DESC`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			r     AuditRecord
			extra *string
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &r.Passed, &r.Score, &r.Detail, &extra, &r.At); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if extra != nil {
			r.ExtraJSON = json.RawMessage(*extra)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
