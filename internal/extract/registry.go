// Package extract parses fetched listing pages into ordered, deduplicated
// image candidates plus best-effort page metadata.
package extract

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PortalSelectors is one portal's DOM configuration. Portal knowledge stays
// data-driven: adding a portal is a registry entry, never a code branch.
type PortalSelectors struct {
	Gallery     []string `yaml:"gallery"`
	Hero        []string `yaml:"hero"`
	Title       string   `yaml:"title"`
	Price       string   `yaml:"price"`
	Description string   `yaml:"description"`
}

// Registry maps a portal identifier to its selector set. Unknown portals
// get the generic gallery selector set.
type Registry struct {
	portals  map[string]PortalSelectors
	fallback PortalSelectors
}

// NewRegistry returns the built-in registry covering the portals the
// ingestion pipeline ships with.
func NewRegistry() *Registry {
	return &Registry{
		portals: map[string]PortalSelectors{
			"olx": {
				Gallery: []string{`div[data-aut-id="itemGallery"] img`, `figure img`},
				Hero:    []string{`img[data-aut-id="itemImage"]`},
				Title:   `span[data-aut-id="itemTitle"]`,
				Price:   `span[data-aut-id="itemPrice"]`,
			},
			"cardekho": {
				Gallery: []string{`div.gallery img`, `div.slider img`},
				Hero:    []string{`img.carImg`},
				Price:   `div.price`,
			},
			"cars24": {
				Gallery: []string{`div[class*="gallery"] img`, `picture img`},
			},
			"carwale": {
				Gallery: []string{`div.image-gallery img`, `ul.thumbnails img`},
			},
		},
		fallback: PortalSelectors{
			Gallery: []string{
				`div[class*="gallery"] img`,
				`div[class*="carousel"] img`,
				`div[class*="slider"] img`,
				`ul[class*="thumb"] img`,
				`figure img`,
			},
			Hero: []string{`img[class*="main"]`, `img[class*="hero"]`},
		},
	}
}

// LoadFile merges a YAML overlay into the registry. Entries replace any
// built-in selectors for the same portal wholesale.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read selector file: %w", err)
	}
	var overlay map[string]PortalSelectors
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse selector file %s: %w", path, err)
	}
	for portal, sel := range overlay {
		r.portals[strings.ToLower(portal)] = sel
	}
	return nil
}

// For returns the selector set for a portal, falling back to the generic
// gallery set when the portal has no registry entry.
func (r *Registry) For(portal string) PortalSelectors {
	if sel, ok := r.portals[strings.ToLower(portal)]; ok {
		return sel
	}
	return r.fallback
}
