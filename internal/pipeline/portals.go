// Package pipeline drives one ingestion run: enumerate listing URLs per
// portal, then fetch, extract, gate, normalize, screen and persist each
// listing in order.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"cararth/ingest-service/internal/fetch"
)

// PortalScraper supplies candidate listing URLs for a city. Concrete
// portal knowledge (search URL shapes, pagination, link markup) lives
// behind this interface; the pipeline treats every portal uniformly.
type PortalScraper interface {
	Portal() string
	ListingURLs(ctx context.Context, city string) ([]string, error)
}

// SearchConfig describes one portal's search page: where to find it for a
// city and which anchors on it lead to listings.
type SearchConfig struct {
	Portal       string
	SearchURL    string // fmt template taking the lowercase city slug
	LinkSelector string
	MaxListings  int
}

// DefaultPortals returns the search configurations the service ships with.
func DefaultPortals() []SearchConfig {
	return []SearchConfig{
		{
			Portal:       "olx",
			SearchURL:    "https://www.olx.in/%s/cars_c84",
			LinkSelector: `li[data-aut-id="itemBox"] a`,
			MaxListings:  50,
		},
		{
			Portal:       "cardekho",
			SearchURL:    "https://www.cardekho.com/used-cars+in+%s",
			LinkSelector: `div[class*="usedCar"] a[href*="/used-car"]`,
			MaxListings:  50,
		},
		{
			Portal:       "cars24",
			SearchURL:    "https://www.cars24.com/buy-used-cars-%s",
			LinkSelector: `a[href*="/buy-used-"]`,
			MaxListings:  50,
		},
		{
			Portal:       "carwale",
			SearchURL:    "https://www.carwale.com/used/cars-in-%s",
			LinkSelector: `div[class*="listing"] a[href*="/used/"]`,
			MaxListings:  50,
		},
	}
}

// SearchPageScraper implements PortalScraper by parsing a portal's search
// results page for listing links.
type SearchPageScraper struct {
	cfg     SearchConfig
	fetcher *fetch.Fetcher
	log     *zap.Logger
}

// NewSearchPageScraper constructs a scraper for one portal config.
func NewSearchPageScraper(cfg SearchConfig, fetcher *fetch.Fetcher, log *zap.Logger) *SearchPageScraper {
	if cfg.MaxListings <= 0 {
		cfg.MaxListings = 50
	}
	return &SearchPageScraper{cfg: cfg, fetcher: fetcher, log: log.Named("portal." + cfg.Portal)}
}

func (s *SearchPageScraper) Portal() string { return s.cfg.Portal }

// ListingURLs fetches the city's search page and returns listing URLs in
// document order, deduplicated.
func (s *SearchPageScraper) ListingURLs(ctx context.Context, city string) ([]string, error) {
	searchURL := fmt.Sprintf(s.cfg.SearchURL, citySlug(city))

	page, err := s.fetcher.Page(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("search page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	base, err := url.Parse(searchURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}

	var (
		urls []string
		seen = map[string]struct{}{}
	)
	doc.Find(s.cfg.LinkSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		resolved := base.ResolveReference(ref)
		resolved.Fragment = ""
		u := resolved.String()
		if _, dup := seen[u]; dup {
			return true
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
		return len(urls) < s.cfg.MaxListings
	})

	s.log.Info("enumerated listings", zap.String("city", city), zap.Int("count", len(urls)))
	return urls, nil
}

func citySlug(city string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(city)), " ", "-")
}
