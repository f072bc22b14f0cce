// Package market answers "what does this vehicle trade for" questions from
// externally maintained aggregates. Both figures may legitimately be
// unknown; unknown is a value here, never an error.
package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Provider supplies market aggregates for a (brand, model, city) triple.
// The boolean is false when no aggregate exists; errors are reserved for
// infrastructure failures and are retryable by the caller.
type Provider interface {
	AveragePrice(ctx context.Context, brand, model, city string) (float64, bool, error)
	DemandIndex(ctx context.Context, brand, model, city string) (float64, bool, error)
}

// PostgresProvider reads the market_aggregates table maintained by the
// analytics side of the marketplace.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider constructs a PostgresProvider.
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

func (p *PostgresProvider) AveragePrice(ctx context.Context, brand, model, city string) (float64, bool, error) {
	var avg float64
	err := p.pool.QueryRow(ctx,
		`SELECT avg_price FROM market_aggregates
		 WHERE lower(brand) = lower($1) AND lower(model) = lower($2) AND lower(city) = lower($3)`,
		brand, model, city,
	).Scan(&avg)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query avg_price: %w", err)
	}
	return avg, true, nil
}

func (p *PostgresProvider) DemandIndex(ctx context.Context, brand, model, city string) (float64, bool, error) {
	var idx float64
	err := p.pool.QueryRow(ctx,
		`SELECT demand_index FROM market_aggregates
		 WHERE lower(brand) = lower($1) AND lower(model) = lower($2) AND lower(city) = lower($3)`,
		brand, model, city,
	).Scan(&idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query demand_index: %w", err)
	}
	return idx, true, nil
}

// CachedProvider fronts another Provider with a Redis cache so one run's
// repeated lookups for popular (brand, model, city) triples hit the
// upstream store once.
type CachedProvider struct {
	inner Provider
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCachedProvider wraps inner with a Redis cache.
func NewCachedProvider(inner Provider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedProvider{inner: inner, rdb: rdb, ttl: ttl}
}

func (c *CachedProvider) AveragePrice(ctx context.Context, brand, model, city string) (float64, bool, error) {
	return c.lookup(ctx, "avgprice", brand, model, city, c.inner.AveragePrice)
}

func (c *CachedProvider) DemandIndex(ctx context.Context, brand, model, city string) (float64, bool, error) {
	return c.lookup(ctx, "demand", brand, model, city, c.inner.DemandIndex)
}

func (c *CachedProvider) lookup(
	ctx context.Context,
	kind, brand, model, city string,
	fetch func(context.Context, string, string, string) (float64, bool, error),
) (float64, bool, error) {
	key := cacheKey(kind, brand, model, city)

	if cached, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if cached == "unknown" {
			return 0, false, nil
		}
		if v, perr := strconv.ParseFloat(cached, 64); perr == nil {
			return v, true, nil
		}
	}

	v, known, err := fetch(ctx, brand, model, city)
	if err != nil {
		return 0, false, err
	}

	val := "unknown"
	if known {
		val = strconv.FormatFloat(v, 'f', -1, 64)
	}
	// Cache write failures are not worth failing a lookup over.
	_ = c.rdb.Set(ctx, key, val, c.ttl).Err()

	return v, known, nil
}

func cacheKey(kind, brand, model, city string) string {
	return strings.ToLower(fmt.Sprintf("market:%s:%s:%s:%s", kind, brand, model, city))
}
