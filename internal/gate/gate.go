// Package gate is the deterministic image authenticity screen. Every rule
// is a fixed arithmetic check over the candidate's URL and bytes; no
// probabilistic classification is involved, so every verdict can be
// reproduced from its logged inputs.
package gate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cararth/ingest-service/internal/model"
)

const (
	passThreshold = 70

	minWidth  = 200
	minHeight = 150

	minAspect = 0.5
	maxAspect = 2.5

	minByteSize = 8 << 10  // anything smaller is thumbnail or chrome
	maxByteSize = 12 << 20 // anything larger is not a listing photo

	minBytesPerPixel = 0.05
	minByteVariance  = 250.0

	varianceSampleStep = 31 // prime step so sampling doesn't sync with row strides
)

var placeholderKeywords = []string{
	"no-image", "noimage", "no_image", "placeholder", "coming-soon",
	"comingsoon", "dummy", "sample", "fallback", "default-car",
}

var logoKeywords = []string{
	"logo", "watermark", "banner", "sponsor", "emblem",
}

// placeholderDims are exact dimensions portals and CDNs serve for their
// stock "image unavailable" assets and ad slots.
var placeholderDims = map[[2]int]struct{}{
	{300, 200}: {}, {300, 250}: {}, {350, 150}: {}, {150, 150}: {},
	{468, 60}: {}, {728, 90}: {}, {120, 600}: {}, {160, 600}: {},
}

var allowedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// Gate screens candidate images.
type Gate struct {
	log *zap.Logger
}

// New constructs a Gate.
func New(log *zap.Logger) *Gate {
	return &Gate{log: log.Named("gate")}
}

// Evaluate scores one candidate image. Scoring starts at 100 and applies
// independent cumulative penalties; a critical penalty is a veto that an
// otherwise-high score cannot absorb. Exactly 70 with no criticals passes.
// Corrupt or unreadable bytes are an automatic critical failure.
func (g *Gate) Evaluate(imageURL string, data []byte, declaredType string) model.ImageVerdict {
	v := evaluate(imageURL, data, declaredType)
	g.log.Info("image verdict",
		zap.String("url", imageURL),
		zap.Bool("passed", v.Passed),
		zap.Int("score", v.Score),
		zap.Bool("critical", v.Critical),
		zap.Strings("reasons", v.Reasons),
	)
	return v
}

func evaluate(imageURL string, data []byte, declaredType string) model.ImageVerdict {
	v := model.ImageVerdict{URL: imageURL, Score: 100}

	penalize := func(points int, critical bool, reason string) {
		v.Score -= points
		if critical {
			v.Critical = true
		}
		v.Reasons = append(v.Reasons, reason)
	}

	lower := strings.ToLower(imageURL)
	for _, kw := range placeholderKeywords {
		if strings.Contains(lower, kw) {
			penalize(40, true, "placeholder keyword in url: "+kw)
			break
		}
	}
	for _, kw := range logoKeywords {
		if strings.Contains(lower, kw) {
			penalize(35, true, "logo/branding pattern in url: "+kw)
			break
		}
	}

	width, height, sniffedType, ok := probeDimensions(data)
	if !ok {
		// Unreadable bytes are never assumed valid.
		v.Score = 0
		v.Critical = true
		v.Reasons = append(v.Reasons, "unreadable image data")
		v.Meta = model.ImageMeta{ByteSize: len(data), ContentType: declaredType}
		return v
	}

	contentType := sniffedType
	if contentType == "" {
		contentType = normalizeContentType(declaredType)
	}

	byteSize := len(data)
	pixels := width * height
	bpp := 0.0
	if pixels > 0 {
		bpp = float64(byteSize) / float64(pixels)
	}
	variance := sampleVariance(data)

	v.Meta = model.ImageMeta{
		Width:         width,
		Height:        height,
		ByteSize:      byteSize,
		ContentType:   contentType,
		BytesPerPixel: bpp,
		ColorVariance: variance,
	}

	if width < minWidth || height < minHeight {
		penalize(50, true, fmt.Sprintf("dimensions %dx%d below %dx%d floor", width, height, minWidth, minHeight))
	}

	if height > 0 {
		aspect := float64(width) / float64(height)
		if aspect < minAspect || aspect > maxAspect {
			penalize(25, false, fmt.Sprintf("aspect ratio %.2f outside photo range", aspect))
		}
	}

	switch {
	case byteSize < minByteSize:
		penalize(30, false, fmt.Sprintf("file size %d below plausible minimum", byteSize))
	case byteSize > maxByteSize:
		penalize(40, false, fmt.Sprintf("file size %d above plausible maximum", byteSize))
	}

	if pixels > 0 && bpp < minBytesPerPixel {
		penalize(20, false, fmt.Sprintf("bytes-per-pixel %.3f below compression floor", bpp))
	}

	if _, generic := placeholderDims[[2]int{width, height}]; generic {
		penalize(15, false, fmt.Sprintf("dimensions %dx%d match generic placeholder size", width, height))
	}

	// Coarse proxy with known false positives; weight kept low.
	if isSuspiciouslyRoundSize(byteSize) {
		penalize(10, false, fmt.Sprintf("file size %d is suspiciously round", byteSize))
	}

	if _, allowed := allowedTypes[contentType]; !allowed {
		penalize(30, true, fmt.Sprintf("content type %q outside photo whitelist", contentType))
	}

	if variance < minByteVariance {
		penalize(15, false, fmt.Sprintf("byte variance %.1f suggests flat or generated imagery", variance))
	}

	if v.Score < 0 {
		v.Score = 0
	}
	v.Passed = v.Score >= passThreshold && !v.Critical
	return v
}

// isSuspiciouslyRoundSize flags sizes that are exact powers of two or
// within 1% of a multiple of 10,000 bytes. Generated assets land near such
// sizes far more often than camera photos do.
func isSuspiciouslyRoundSize(n int) bool {
	if n <= 0 {
		return false
	}
	if n&(n-1) == 0 {
		return true
	}
	nearest := (n + 5000) / 10000 * 10000
	if nearest == 0 {
		return false
	}
	diff := n - nearest
	if diff < 0 {
		diff = -diff
	}
	return diff*100 <= nearest
}

// sampleVariance computes the variance of every varianceSampleStep-th byte.
// Compressed photo data looks near-uniform; flat or synthetic images leave
// long runs that drag the variance down.
func sampleVariance(data []byte) float64 {
	var (
		sum   float64
		count int
	)
	for i := 0; i < len(data); i += varianceSampleStep {
		sum += float64(data[i])
		count++
	}
	if count < 2 {
		return 0
	}
	mean := sum / float64(count)

	var sq float64
	for i := 0; i < len(data); i += varianceSampleStep {
		d := float64(data[i]) - mean
		sq += d * d
	}
	return sq / float64(count)
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "image/jpg" {
		ct = "image/jpeg"
	}
	return ct
}
