package extract

import "strings"

// nonVehiclePatterns are URL fragments that mark an image as site chrome
// rather than a vehicle photo. This is a cheap pre-filter in front of the
// authenticity gate, not a substitute for it.
var nonVehiclePatterns = []string{
	"logo", "watermark", "sprite", "icon", "favicon", "avatar",
	"banner", "badge", "/ads/", "advert", "promo",
	"facebook", "twitter", "instagram", "whatsapp", "youtube",
	"pixel.", "spacer", "blank.", "1x1.",
}

// IsNonVehicleURL returns true if any non-vehicle pattern appears
// (case-insensitive) anywhere in the candidate URL.
func IsNonVehicleURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, p := range nonVehiclePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
