// Package product defines the ProductRecord written to the sheet.
package product

import "time"

// Record is one discovered product, assembled by the site crawler
// after content and image fetches succeed, and persisted by the sheets
// writer.
type Record struct {
	SourceSite     string
	Category       string
	CategoryURL    string
	ProductURL     string
	ProductContent string
	DiscoveredAt   time.Time
	RunID          string
	ProductIDHash  string
	PageNum        int
	Metadata       map[string]interface{} // includes "image_url"
	ImagePath      string

	NameEN               string
	NameRU               string
	PriceWithoutDiscount string
	PriceWithDiscount    string

	// Status/Note/ProcessedAt/LLMRaw are reserved columns for a
	// downstream enrichment step outside this crawler's scope; the
	// crawler writes them empty.
	Status      string
	Note        string
	ProcessedAt *time.Time
	LLMRaw      string
}
