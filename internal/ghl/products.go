package ghl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Product types accepted by POST /products/.
const (
	ProductTypeDigital  = "DIGITAL"
	ProductTypePhysical = "PHYSICAL"
	ProductTypeService  = "SERVICE"
	ProductTypeBoth     = "PHYSICAL/DIGITAL"
)

// Price types accepted by POST /products/{id}/price.
const (
	PriceTypeOneTime   = "one_time"
	PriceTypeRecurring = "recurring"
)

// ProductMedia is an image or video attached to a product.
type ProductMedia struct {
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	URL        string `json:"url" yaml:"url" validate:"required"`
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
	IsFeatured bool   `json:"isFeatured,omitempty" yaml:"isFeatured,omitempty"`
}

// Product is the POST /products/ payload.
type Product struct {
	Name                string         `json:"name" yaml:"name" validate:"required"`
	LocationID          string         `json:"locationId" yaml:"locationId,omitempty" validate:"required"`
	Description         string         `json:"description,omitempty" yaml:"description,omitempty"`
	ProductType         string         `json:"productType" yaml:"productType,omitempty" validate:"oneof=DIGITAL PHYSICAL SERVICE PHYSICAL/DIGITAL"`
	Image               string         `json:"image,omitempty" yaml:"image,omitempty"`
	StatementDescriptor string         `json:"statementDescriptor,omitempty" yaml:"statementDescriptor,omitempty"`
	AvailableInStore    bool           `json:"availableInStore,omitempty" yaml:"availableInStore,omitempty"`
	Medias              []ProductMedia `json:"medias,omitempty" yaml:"medias,omitempty" validate:"dive"`
}

// Normalize trims and NFC-normalizes free-text fields and applies the
// default product type.
func (p *Product) Normalize() {
	p.Name = NormalizeName(p.Name)
	p.Description = strings.TrimSpace(p.Description)

	if p.ProductType == "" {
		p.ProductType = ProductTypeDigital
	}

	p.ProductType = strings.ToUpper(p.ProductType)
}

// Validate checks the payload before it is sent upstream.
func (p *Product) Validate() error {
	return validateStruct(p)
}

// Recurring describes the billing cycle of a recurring price.
type Recurring struct {
	Interval      string `json:"interval" yaml:"interval" validate:"oneof=day week month year"`
	IntervalCount int    `json:"intervalCount" yaml:"intervalCount" validate:"min=1"`
}

// Price is the POST /products/{id}/price payload.
type Price struct {
	Name              string     `json:"name" yaml:"name" validate:"required"`
	Type              string     `json:"type" yaml:"type,omitempty" validate:"oneof=one_time recurring"`
	Currency          string     `json:"currency" yaml:"currency" validate:"iso4217"`
	Amount            float64    `json:"amount" yaml:"amount" validate:"gte=0"`
	Recurring         *Recurring `json:"recurring,omitempty" yaml:"recurring,omitempty"`
	Description       string     `json:"description,omitempty" yaml:"description,omitempty"`
	CompareAtPrice    float64    `json:"compareAtPrice,omitempty" yaml:"compareAtPrice,omitempty"`
	LocationID        string     `json:"locationId" yaml:"locationId,omitempty" validate:"required"`
	TrackInventory    bool       `json:"trackInventory,omitempty" yaml:"trackInventory,omitempty"`
	AvailableQuantity int        `json:"availableQuantity,omitempty" yaml:"availableQuantity,omitempty"`
	SKU               string     `json:"sku,omitempty" yaml:"sku,omitempty"`
}

// Normalize applies defaults and canonical casing.
func (p *Price) Normalize() {
	p.Name = NormalizeName(p.Name)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))

	if p.Type == "" {
		p.Type = PriceTypeOneTime
		if p.Recurring != nil {
			p.Type = PriceTypeRecurring
		}
	}
}

// Validate checks the payload before it is sent upstream. The recurring
// block is required for recurring prices and refused for one_time ones.
func (p *Price) Validate() error {
	return validateStruct(p)
}

// ProductSpec is a product plus its prices, as authored in YAML for the
// diagnostic CLI.
type ProductSpec struct {
	Product `yaml:",inline"`
	Prices  []Price `yaml:"prices,omitempty" json:"prices,omitempty"`
}

// LoadProductSpec reads a YAML product definition.
func LoadProductSpec(path string) (*ProductSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading product file: %w", err)
	}

	return ParseProductSpec(data)
}

// ParseProductSpec decodes a YAML product definition and normalizes it.
func ParseProductSpec(data []byte) (*ProductSpec, error) {
	var spec ProductSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: parsing product yaml: %v", apperrors.ErrValidation, err)
	}

	spec.Product.Normalize()

	for i := range spec.Prices {
		spec.Prices[i].Normalize()
	}

	return &spec, nil
}

// NormalizeName trims whitespace and converts to Unicode NFC so names
// typed on different platforms compare and display consistently.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// ListProducts returns a page of products for a location.
func (c *Client) ListProducts(ctx context.Context, token, locationID string, limit, offset int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("locationId", locationID)

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	resp, err := c.getJSON(ctx, token, "/products/", q)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}

	return resp, nil
}

// CreateProduct creates a product.
func (c *Client) CreateProduct(ctx context.Context, token string, p *Product) (json.RawMessage, error) {
	resp, err := c.postJSON(ctx, token, "/products/", p)
	if err != nil {
		return nil, fmt.Errorf("creating product: %w", err)
	}

	return resp, nil
}

// CreatePrice adds a price to an existing product.
func (c *Client) CreatePrice(ctx context.Context, token, productID string, p *Price) (json.RawMessage, error) {
	resp, err := c.postJSON(ctx, token, "/products/"+url.PathEscape(productID)+"/price", p)
	if err != nil {
		return nil, fmt.Errorf("creating price: %w", err)
	}

	return resp, nil
}
