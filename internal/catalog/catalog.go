// Package catalog maps purchasable tiers to token quantities and prices.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownTier is returned for tier ids that are not in the catalog.
	ErrUnknownTier = errors.New("unknown tier")
	// ErrInvalidCatalog is returned when a catalog definition fails validation.
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// DefaultCurrency is used when a catalog file does not name one.
const DefaultCurrency = "usd"

// Tier is a purchasable bundle of tokens.
type Tier struct {
	ID              string `yaml:"id" json:"id"`
	Tokens          int64  `yaml:"tokens" json:"tokens"`
	PriceMinorUnits int64  `yaml:"price_minor_units" json:"price_minor_units"`
	PriceRef        string `yaml:"price_ref" json:"price_ref"`
}

// Catalog is an immutable tier lookup.
type Catalog struct {
	currency string
	tiers    []Tier
	byID     map[string]Tier
}

type fileDefinition struct {
	Currency string `yaml:"currency"`
	Tiers    []Tier `yaml:"tiers"`
}

// DefaultTiers returns the built-in tiers.
func DefaultTiers() []Tier {
	return []Tier{
		{ID: "starter", Tokens: 100, PriceMinorUnits: 500, PriceRef: "price_starter"},
		{ID: "standard", Tokens: 500, PriceMinorUnits: 2000, PriceRef: "price_standard"},
		{ID: "pro", Tokens: 1500, PriceMinorUnits: 5000, PriceRef: "price_pro"},
	}
}

// Default builds the catalog of DefaultTiers.
func Default() *Catalog {
	catalog, err := New(DefaultCurrency, DefaultTiers())
	if err != nil {
		panic(err)
	}
	return catalog
}

// New validates tiers and builds a catalog. Tier ids are case-insensitive.
func New(currency string, tiers []Tier) (*Catalog, error) {
	normalizedCurrency := strings.ToLower(strings.TrimSpace(currency))
	if normalizedCurrency == "" {
		normalizedCurrency = DefaultCurrency
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidCatalog)
	}
	catalog := &Catalog{
		currency: normalizedCurrency,
		tiers:    make([]Tier, 0, len(tiers)),
		byID:     make(map[string]Tier, len(tiers)),
	}
	for _, tier := range tiers {
		tier.ID = normalizeID(tier.ID)
		tier.PriceRef = strings.TrimSpace(tier.PriceRef)
		if tier.ID == "" {
			return nil, fmt.Errorf("%w: tier id is empty", ErrInvalidCatalog)
		}
		if tier.Tokens <= 0 {
			return nil, fmt.Errorf("%w: tier %s tokens must be positive", ErrInvalidCatalog, tier.ID)
		}
		if tier.PriceMinorUnits <= 0 {
			return nil, fmt.Errorf("%w: tier %s price must be positive", ErrInvalidCatalog, tier.ID)
		}
		if _, exists := catalog.byID[tier.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate tier %s", ErrInvalidCatalog, tier.ID)
		}
		catalog.byID[tier.ID] = tier
		catalog.tiers = append(catalog.tiers, tier)
	}
	return catalog, nil
}

// LoadFile reads a YAML catalog definition.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog definition.
func Parse(raw []byte) (*Catalog, error) {
	var definition fileDefinition
	if err := yaml.Unmarshal(raw, &definition); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return New(definition.Currency, definition.Tiers)
}

// Lookup returns the tier for id.
func (catalog *Catalog) Lookup(id string) (Tier, error) {
	tier, ok := catalog.byID[normalizeID(id)]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, id)
	}
	return tier, nil
}

// TokensFor returns the token quantity of a tier.
func (catalog *Catalog) TokensFor(id string) (int64, error) {
	tier, err := catalog.Lookup(id)
	if err != nil {
		return 0, err
	}
	return tier.Tokens, nil
}

// PriceFor returns the price of a tier in minor currency units.
func (catalog *Catalog) PriceFor(id string) (int64, error) {
	tier, err := catalog.Lookup(id)
	if err != nil {
		return 0, err
	}
	return tier.PriceMinorUnits, nil
}

// Tiers returns the tiers in definition order.
func (catalog *Catalog) Tiers() []Tier {
	result := make([]Tier, len(catalog.tiers))
	copy(result, catalog.tiers)
	return result
}

// Currency returns the ISO currency code prices are expressed in.
func (catalog *Catalog) Currency() string {
	return catalog.currency
}

func normalizeID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
