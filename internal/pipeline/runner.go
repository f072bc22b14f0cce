package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cararth/ingest-service/internal/extract"
	"cararth/ingest-service/internal/fetch"
	"cararth/ingest-service/internal/gate"
	"cararth/ingest-service/internal/market"
	"cararth/ingest-service/internal/model"
	"cararth/ingest-service/internal/normalize"
	"cararth/ingest-service/internal/scoring"
	"cararth/ingest-service/internal/trust"
)

// Store is the subset of persistence the runner needs.
type Store interface {
	UpsertListing(ctx context.Context, l *model.Listing) error
	SaveImageVerdicts(ctx context.Context, runID, listingID string, verdicts []model.ImageVerdict) error
	SaveTrustVerdict(ctx context.Context, v model.TrustVerdict) error
	SaveScore(ctx context.Context, listingID string, b model.ScoreBreakdown) error
}

// Runner executes one ingestion batch across portals and cities.
type Runner struct {
	fetcher   *fetch.Fetcher
	extractor *extract.Extractor
	gate      *gate.Gate
	screener  *trust.Screener
	store     Store
	provider  market.Provider
	scrapers  []PortalScraper
	log       *zap.Logger

	concurrency int
	hostDelay   time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRunner wires the pipeline stages together.
func NewRunner(
	fetcher *fetch.Fetcher,
	extractor *extract.Extractor,
	g *gate.Gate,
	screener *trust.Screener,
	store Store,
	provider market.Provider,
	scrapers []PortalScraper,
	concurrency int,
	hostDelay time.Duration,
	log *zap.Logger,
) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		fetcher:     fetcher,
		extractor:   extractor,
		gate:        g,
		screener:    screener,
		store:       store,
		provider:    provider,
		scrapers:    scrapers,
		concurrency: concurrency,
		hostDelay:   hostDelay,
		log:         log.Named("pipeline"),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// portalStats are the per-portal counters logged after each scrape.
type portalStats struct {
	processed int
	certified int
	rejected  int
	failed    int
}

// RunBatch processes every portal × city pair. Portals run concurrently up
// to the configured bound; within one portal listings process in
// enumeration order. Per-listing failures never abort a portal and
// per-portal failures never abort the batch; infrastructure errors are
// collected and returned so the scheduler's run handler can log them.
func (r *Runner) RunBatch(ctx context.Context, cities []string) error {
	runID := uuid.NewString()
	started := time.Now()
	r.log.Info("batch started", zap.String("run", runID), zap.Strings("cities", cities))

	var (
		sem    = make(chan struct{}, r.concurrency)
		wg     sync.WaitGroup
		errMu  sync.Mutex
		infras []error
	)

	for _, scraper := range r.scrapers {
		for _, city := range cities {
			wg.Add(1)
			sem <- struct{}{}
			go func(sc PortalScraper, city string) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := r.runPortal(ctx, runID, sc, city); err != nil {
					r.log.Error("portal run failed",
						zap.String("run", runID),
						zap.String("portal", sc.Portal()),
						zap.String("city", city),
						zap.Error(err),
					)
					errMu.Lock()
					infras = append(infras, fmt.Errorf("%s/%s: %w", sc.Portal(), city, err))
					errMu.Unlock()
				}
			}(scraper, city)
		}
	}
	wg.Wait()

	r.log.Info("batch complete",
		zap.String("run", runID),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("portalFailures", len(infras)),
	)
	return errors.Join(infras...)
}

func (r *Runner) runPortal(ctx context.Context, runID string, sc PortalScraper, city string) error {
	urls, err := sc.ListingURLs(ctx, city)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}

	var (
		stats  portalStats
		infras []error
	)
	for _, listingURL := range urls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := r.processListing(ctx, runID, sc.Portal(), city, listingURL)
		if err != nil {
			// Persistence or market-data trouble. The remaining listings
			// still get their chance, but the batch must not report clean.
			infras = append(infras, fmt.Errorf("%s: %w", listingURL, err))
		}
		switch out {
		case outcomeCertified:
			stats.certified++
		case outcomeRejected:
			stats.rejected++
		case outcomeFailed:
			stats.failed++
		}
		stats.processed++
	}

	r.log.Info("portal done",
		zap.String("run", runID),
		zap.String("portal", sc.Portal()),
		zap.String("city", city),
		zap.Int("processed", stats.processed),
		zap.Int("certified", stats.certified),
		zap.Int("rejected", stats.rejected),
		zap.Int("failed", stats.failed),
	)
	return errors.Join(infras...)
}

type outcome int

const (
	outcomeCertified outcome = iota
	outcomeRejected
	outcomeFailed
)

// processListing runs the full per-listing flow. Fetch and extraction
// failures are local: the listing is skipped and the next scheduled run
// will see the URL again. Store and market failures are infrastructure
// trouble and come back as the error so the batch surfaces them.
func (r *Runner) processListing(ctx context.Context, runID, portal, city, listingURL string) (outcome, error) {
	if err := r.waitHost(ctx, listingURL); err != nil {
		return outcomeFailed, nil
	}

	page, err := r.fetcher.Page(ctx, listingURL)
	if err != nil {
		r.log.Warn("fetch failed, skipping listing",
			zap.String("run", runID), zap.String("url", listingURL), zap.Error(err))
		return outcomeFailed, nil
	}

	result := r.extractor.Extract(page, portal)
	if !result.OK {
		r.log.Warn("extraction failed, skipping listing",
			zap.String("run", runID), zap.String("url", listingURL), zap.Strings("errors", result.Errors))
		return outcomeFailed, nil
	}

	verdicts := make([]model.ImageVerdict, 0, len(result.Candidates))
	var passed []string
	for _, cand := range result.Candidates {
		v := r.screenImage(ctx, cand)
		verdicts = append(verdicts, v)
		if v.Passed {
			passed = append(passed, cand.URL)
		}
	}

	listing := normalize.New(portal, city).Build(listingURL, result.Metadata, passed)
	verdict := r.screener.Screen(listing, len(result.Candidates), runID)

	if err := r.store.SaveImageVerdicts(ctx, runID, listing.ID, verdicts); err != nil {
		return outcomeFailed, fmt.Errorf("audit write: %w", err)
	}
	if err := r.store.SaveTrustVerdict(ctx, verdict); err != nil {
		return outcomeFailed, fmt.Errorf("audit write: %w", err)
	}

	if !verdict.Approved {
		// Expected, frequent outcome; the audit rows carry the reasons.
		return outcomeRejected, nil
	}

	if err := r.store.UpsertListing(ctx, listing); err != nil {
		return outcomeFailed, fmt.Errorf("listing upsert: %w", err)
	}

	if err := r.scoreListing(ctx, listing); err != nil {
		return outcomeFailed, fmt.Errorf("score: %w", err)
	}

	return outcomeCertified, nil
}

// screenImage fetches one candidate's bytes and runs the gate. A fetch
// failure is an automatic critical failure — bytes we cannot read are
// never assumed valid.
func (r *Runner) screenImage(ctx context.Context, cand model.ImageCandidate) model.ImageVerdict {
	if err := r.waitHost(ctx, cand.URL); err != nil {
		return unreadableVerdict(cand.URL, "cancelled before fetch")
	}
	data, contentType, err := r.fetcher.Image(ctx, cand.URL)
	if err != nil {
		r.log.Info("image fetch failed", zap.String("url", cand.URL), zap.Error(err))
		return unreadableVerdict(cand.URL, "image fetch failed: "+err.Error())
	}
	return r.gate.Evaluate(cand.URL, data, contentType)
}

func (r *Runner) scoreListing(ctx context.Context, l *model.Listing) error {
	avg, avgKnown, err := r.provider.AveragePrice(ctx, l.Brand, l.Model, l.City)
	if err != nil {
		return fmt.Errorf("market average: %w", err)
	}
	demand, demandKnown, err := r.provider.DemandIndex(ctx, l.Brand, l.Model, l.City)
	if err != nil {
		return fmt.Errorf("demand index: %w", err)
	}

	breakdown := scoring.Compute(l, scoring.MarketData{
		AvgPrice:    avg,
		AvgKnown:    avgKnown,
		DemandIndex: demand,
		DemandKnown: demandKnown,
	}, time.Now().UTC())

	return r.store.SaveScore(ctx, l.ID, breakdown)
}

// waitHost enforces the deliberate inter-request delay per external host.
func (r *Runner) waitHost(ctx context.Context, rawURL string) error {
	if r.hostDelay <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil // fetcher will surface the real problem
	}

	r.mu.Lock()
	limiter, ok := r.limiters[u.Host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.hostDelay), 1)
		r.limiters[u.Host] = limiter
	}
	r.mu.Unlock()

	return limiter.Wait(ctx)
}

func unreadableVerdict(url, reason string) model.ImageVerdict {
	return model.ImageVerdict{
		URL:      url,
		Passed:   false,
		Score:    0,
		Critical: true,
		Reasons:  []string{reason},
	}
}
