package extract

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"cararth/ingest-service/internal/model"
)

// Result is the outcome of extracting one page. Partial metadata is not a
// failure; OK is false only when the HTML itself cannot be processed.
type Result struct {
	OK         bool
	Candidates []model.ImageCandidate
	Metadata   model.PageMetadata
	Errors     []string
}

// cosmeticParams are query parameters that only vary the rendition of an
// image (size, quality, cache version), not the image itself. They are
// stripped before dedupe so renditions collapse to one candidate.
var cosmeticParams = map[string]struct{}{
	"w": {}, "h": {}, "width": {}, "height": {}, "size": {},
	"q": {}, "quality": {}, "fit": {}, "crop": {}, "format": {},
	"cache": {}, "v": {}, "version": {}, "ts": {}, "t": {},
}

// imageKeys are the structured-data property names that carry images.
var imageKeys = map[string]struct{}{
	"image": {}, "images": {}, "photo": {}, "photos": {},
	"thumbnail": {}, "thumbnailurl": {}, "contenturl": {},
}

var priceTextRe = regexp.MustCompile(`(?:₹|Rs\.?|INR)\s*[\d,.]+(?:\s*(?:lakh|lac|crore))?`)

// Extractor turns raw pages into image candidates and metadata.
type Extractor struct {
	registry *Registry
	log      *zap.Logger
}

// New constructs an Extractor over the given portal registry.
func New(registry *Registry, log *zap.Logger) *Extractor {
	return &Extractor{registry: registry, log: log.Named("extract")}
}

// Extract returns the ordered, deduplicated candidate list for a page.
// Discovery priority: structured data, social-preview meta tags, portal
// DOM selectors. The first occurrence of a normalized URL wins.
func (e *Extractor) Extract(page *model.RawPage, portal string) Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Result{OK: false, Errors: []string{"parse html: " + err.Error()}}
	}

	base, err := url.Parse(page.URL)
	if err != nil {
		return Result{OK: false, Errors: []string{"parse page url: " + err.Error()}}
	}

	sel := e.registry.For(portal)

	var (
		candidates []model.ImageCandidate
		seen       = map[string]struct{}{}
		dropped    int
	)
	add := func(rawURL string, source model.CandidateSource, alt string, width, height, pos int) {
		normalized, ok := normalizeImageURL(rawURL, base)
		if !ok {
			return
		}
		// Structured data and preview tags state "this is the listing's
		// image"; chrome assets only pollute the DOM scans, so the cheap
		// pre-filter applies there. The gate still screens everything.
		if source == model.SourcePortalGallery || source == model.SourceHero {
			if IsNonVehicleURL(normalized) {
				dropped++
				return
			}
		}
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}
		candidates = append(candidates, model.ImageCandidate{
			URL:      normalized,
			Source:   source,
			AltText:  alt,
			Width:    width,
			Height:   height,
			Position: pos,
		})
	}

	// 1. Structured / linked data blocks.
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(s.Text()), &v); err != nil {
			return // malformed block, remaining sources still apply
		}
		for pos, u := range collectStructuredImages(v) {
			add(u, model.SourceStructuredData, "", 0, 0, pos)
		}
	})

	// 2. Social-preview meta tags, one candidate per occurrence.
	for _, metaSel := range []string{
		`meta[property="og:image"]`,
		`meta[property="og:image:secure_url"]`,
		`meta[name="twitter:image"]`,
		`meta[name="twitter:image:src"]`,
	} {
		doc.Find(metaSel).Each(func(pos int, s *goquery.Selection) {
			if content, ok := s.Attr("content"); ok {
				add(content, model.SourceMetaTag, "", 0, 0, pos)
			}
		})
	}
	doc.Find(`link[rel="image_src"]`).Each(func(pos int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			add(href, model.SourceMetaTag, "", 0, 0, pos)
		}
	})

	// 3. Portal DOM selectors (registry entry or generic fallback).
	for _, gallerySel := range sel.Gallery {
		doc.Find(gallerySel).Each(func(pos int, s *goquery.Selection) {
			u, alt, w, h := imgAttrs(s)
			add(u, model.SourcePortalGallery, alt, w, h, pos)
		})
	}
	for _, heroSel := range sel.Hero {
		doc.Find(heroSel).Each(func(pos int, s *goquery.Selection) {
			u, alt, w, h := imgAttrs(s)
			add(u, model.SourceHero, alt, w, h, pos)
		})
	}

	meta := e.extractMetadata(doc, sel)

	e.log.Debug("extracted page",
		zap.String("url", page.URL),
		zap.String("portal", portal),
		zap.Int("candidates", len(candidates)),
		zap.Int("prefiltered", dropped),
	)

	return Result{OK: true, Candidates: candidates, Metadata: meta}
}

func (e *Extractor) extractMetadata(doc *goquery.Document, sel PortalSelectors) model.PageMetadata {
	var meta model.PageMetadata

	if sel.Title != "" {
		meta.Title = strings.TrimSpace(doc.Find(sel.Title).First().Text())
	}
	if meta.Title == "" {
		meta.Title, _ = doc.Find(`meta[property="og:title"]`).First().Attr("content")
		meta.Title = strings.TrimSpace(meta.Title)
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	if sel.Price != "" {
		meta.PriceText = strings.TrimSpace(doc.Find(sel.Price).First().Text())
	}
	if meta.PriceText == "" {
		if content, ok := doc.Find(`meta[itemprop="price"]`).First().Attr("content"); ok {
			meta.PriceText = strings.TrimSpace(content)
		}
	}
	if meta.PriceText == "" {
		meta.PriceText = priceTextRe.FindString(doc.Find("body").Text())
	}

	if sel.Description != "" {
		meta.Description = strings.TrimSpace(doc.Find(sel.Description).First().Text())
	}
	if meta.Description == "" {
		if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
			meta.Description = strings.TrimSpace(content)
		}
	}
	if meta.Description == "" {
		if content, ok := doc.Find(`meta[property="og:description"]`).First().Attr("content"); ok {
			meta.Description = strings.TrimSpace(content)
		}
	}

	return meta
}

// collectStructuredImages walks arbitrarily nested JSON-LD for image-bearing
// properties: a bare URL string, an array of URLs, or {url: …} objects.
// Object keys are visited in sorted order; Go randomizes map iteration, and
// candidate order must be identical for identical input.
func collectStructuredImages(v any) []string {
	var out []string
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for key := range node {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, isImage := imageKeys[strings.ToLower(key)]; isImage {
				out = append(out, imageValues(node[key])...)
			} else {
				out = append(out, collectStructuredImages(node[key])...)
			}
		}
	case []any:
		for _, item := range node {
			out = append(out, collectStructuredImages(item)...)
		}
	}
	return out
}

// imageValues flattens one image property value into URL strings.
func imageValues(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, imageValues(item)...)
		}
		return out
	case map[string]any:
		for _, key := range []string{"url", "contentUrl", "contentURL"} {
			if s, ok := val[key].(string); ok && s != "" {
				return []string{s}
			}
		}
	}
	return nil
}

// imgAttrs pulls the URL (src or common lazy-load attributes), alt text and
// declared dimensions from an <img> selection.
func imgAttrs(s *goquery.Selection) (u, alt string, width, height int) {
	for _, attr := range []string{"src", "data-src", "data-lazy-src", "data-original"} {
		if v, ok := s.Attr(attr); ok && v != "" {
			u = v
			break
		}
	}
	alt, _ = s.Attr("alt")
	if w, ok := s.Attr("width"); ok {
		width, _ = strconv.Atoi(w)
	}
	if h, ok := s.Attr("height"); ok {
		height, _ = strconv.Atoi(h)
	}
	return u, strings.TrimSpace(alt), width, height
}

// normalizeImageURL resolves a candidate against the page URL and strips
// cosmetic query parameters so renditions of one image dedupe together.
func normalizeImageURL(raw string, base *url.URL) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}

	q := resolved.Query()
	for param := range q {
		if _, cosmetic := cosmeticParams[strings.ToLower(param)]; cosmetic {
			q.Del(param)
		}
	}
	resolved.RawQuery = q.Encode()
	resolved.Fragment = ""

	return resolved.String(), true
}
