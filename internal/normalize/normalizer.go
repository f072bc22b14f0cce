// Package normalize assembles canonical listings from extracted metadata
// and gate-passed images. Normalizers never certify: every listing leaves
// here unverified.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cararth/ingest-service/internal/model"
)

var (
	// yearRe captures a plausible model year.
	yearRe = regexp.MustCompile(`\b(19[9][0-9]|20[0-2][0-9])\b`)
	// mileageRe captures "45,000 km" / "45000 kms" readings.
	mileageRe = regexp.MustCompile(`([\d,]+)\s*(?:km|kms|kilometer)`)
	// priceNumRe captures the numeric part of a price string.
	priceNumRe = regexp.MustCompile(`[\d,]+(?:\.\d+)?`)
	// lakhRe captures Indian "4.5 Lakh" style prices.
	lakhRe = regexp.MustCompile(`([\d.]+)\s*(lakh|lac|crore)`)
)

// knownBrands maps lowercase brand tokens found in titles to display names.
// Multi-word brands are listed before their first word would match.
var knownBrands = []struct{ token, name string }{
	{"maruti suzuki", "Maruti Suzuki"},
	{"maruti", "Maruti Suzuki"},
	{"hyundai", "Hyundai"},
	{"tata", "Tata"},
	{"mahindra", "Mahindra"},
	{"honda", "Honda"},
	{"toyota", "Toyota"},
	{"kia", "Kia"},
	{"volkswagen", "Volkswagen"},
	{"skoda", "Skoda"},
	{"renault", "Renault"},
	{"nissan", "Nissan"},
	{"ford", "Ford"},
	{"mg", "MG"},
	{"bmw", "BMW"},
	{"mercedes-benz", "Mercedes-Benz"},
	{"mercedes", "Mercedes-Benz"},
	{"audi", "Audi"},
}

var fuelKeywords = []string{"petrol", "diesel", "cng", "electric", "hybrid", "lpg"}

// Normalizer maps one portal's raw page output to the canonical record.
type Normalizer struct {
	portal string
	city   string
}

// New constructs a Normalizer for a portal and city.
func New(portal, city string) *Normalizer {
	return &Normalizer{portal: portal, city: city}
}

// Build assembles a canonical listing from page metadata and the image URLs
// that passed the authenticity gate. Partial metadata is acceptable here;
// the trust layer's required-field check is the publication gate.
func (n *Normalizer) Build(sourceURL string, meta model.PageMetadata, passedImages []string) *model.Listing {
	title := collapseWhitespace(meta.Title)
	desc := collapseWhitespace(meta.Description)
	brand, carModel := splitBrandModel(title)

	return &model.Listing{
		ID:                 fmt.Sprintf("%s:%s", n.portal, sourceURL),
		Title:              title,
		Brand:              brand,
		Model:              carModel,
		Year:               ParseYear(title + " " + desc),
		Price:              ParsePrice(meta.PriceText),
		Mileage:            ParseMileage(desc),
		FuelType:           detectKeyword(desc, fuelKeywords),
		Transmission:       detectTransmission(desc),
		Location:           n.city,
		City:               n.city,
		SourcePortal:       n.portal,
		SourceURL:          sourceURL,
		Images:             passedImages,
		Description:        desc,
		Condition:          "used",
		SellerType:         "generic-user",
		VerificationStatus: model.StatusUnverified,
		// Portals rarely expose a posting date, so ingestion time stands in.
		// The store keeps the first-seen value across re-ingestions.
		ListingDate: time.Now().UTC(),
	}
}

// ParsePrice converts portal price text to whole rupees.
// Handles "₹ 4,50,000", "Rs. 450000" and "4.5 Lakh" forms; returns 0 when
// no amount can be read.
func ParsePrice(raw string) int {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0
	}

	if m := lakhRe.FindStringSubmatch(raw); len(m) == 3 {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			switch m[2] {
			case "crore":
				return int(v * 1e7)
			default:
				return int(v * 1e5)
			}
		}
	}

	cleaned := strings.ReplaceAll(raw, ",", "")
	match := priceNumRe.FindString(cleaned)
	if match == "" {
		return 0
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return int(v)
}

// ParseYear extracts the first plausible model year from text, 0 if none.
func ParseYear(text string) int {
	m := yearRe.FindString(text)
	if m == "" {
		return 0
	}
	y, _ := strconv.Atoi(m)
	return y
}

// ParseMileage extracts odometer kilometres from text, 0 if none.
func ParseMileage(text string) int {
	m := mileageRe.FindStringSubmatch(strings.ToLower(text))
	if len(m) < 2 {
		return 0
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0
	}
	return v
}

// splitBrandModel resolves the brand from the known-brand table and treats
// the following words as the model; unknown brands fall back to
// first-word/next-two-words.
func splitBrandModel(title string) (brand, carModel string) {
	lower := strings.ToLower(title)
	for _, b := range knownBrands {
		if idx := indexToken(lower, b.token); idx >= 0 {
			rest := strings.TrimSpace(title[idx+len(b.token):])
			words := strings.Fields(rest)
			if len(words) > 2 {
				words = words[:2]
			}
			return b.name, strings.Join(words, " ")
		}
	}

	words := strings.Fields(title)
	if len(words) == 0 {
		return "", ""
	}
	brand = words[0]
	if len(words) > 1 {
		end := len(words)
		if end > 3 {
			end = 3
		}
		carModel = strings.Join(words[1:end], " ")
	}
	return brand, carModel
}

// indexToken finds token in s only on word boundaries, so short brand
// tokens like "mg" never match inside words like "AMG".
func indexToken(s, token string) int {
	for from := 0; ; {
		idx := strings.Index(s[from:], token)
		if idx < 0 {
			return -1
		}
		idx += from
		end := idx + len(token)
		leftOK := idx == 0 || !isAlnum(s[idx-1])
		rightOK := end == len(s) || !isAlnum(s[end])
		if leftOK && rightOK {
			return idx
		}
		from = idx + 1
	}
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func detectKeyword(text string, keywords []string) string {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

func detectTransmission(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "automatic") || strings.Contains(lower, " amt"):
		return "automatic"
	case strings.Contains(lower, "manual"):
		return "manual"
	}
	return ""
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
