// Package orderdoc reads multi-vendor orders authored as YAML.
package orderdoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revshare/internal/order/domain"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDocument = errors.New("invalid_order_document")

type OrderDocument struct {
	ExternalRef string         `yaml:"external_ref"`
	Currency    string         `yaml:"currency"`
	Shipping    int64          `yaml:"shipping"`
	PlatformFee int64          `yaml:"platform_fee"`
	Tax         int64          `yaml:"tax"`
	Total       int64          `yaml:"total"`
	PlacedAt    time.Time      `yaml:"placed_at"`
	Items       []ItemDocument `yaml:"items"`
}

type ItemDocument struct {
	SKU        string `yaml:"sku"`
	Vendor     int64  `yaml:"vendor"`
	Quantity   int64  `yaml:"quantity"`
	UnitAmount int64  `yaml:"unit_amount"`
	Amount     int64  `yaml:"amount"`
}

func Load(path string) (*OrderDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data))
}

func Decode(r io.Reader) (*OrderDocument, error) {
	var doc OrderDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

func (d OrderDocument) PlaceRequest() domain.PlaceOrderRequest {
	items := make([]domain.LineItemInput, len(d.Items))
	for i, it := range d.Items {
		items[i] = domain.LineItemInput{
			SKU:        strings.TrimSpace(it.SKU),
			VendorID:   snowflake.ID(it.Vendor),
			Quantity:   it.Quantity,
			UnitAmount: it.UnitAmount,
			Amount:     it.Amount,
		}
	}
	return domain.PlaceOrderRequest{
		ExternalRef: strings.TrimSpace(d.ExternalRef),
		Currency:    strings.ToUpper(strings.TrimSpace(d.Currency)),
		Items:       items,
		Shipping:    d.Shipping,
		PlatformFee: d.PlatformFee,
		Tax:         d.Tax,
		Total:       d.Total,
		PlacedAt:    d.PlacedAt.UTC(),
	}
}

// Parent returns the parent order and its line items in the shape the
// splitter takes. Nothing is assigned an ID.
func (d OrderDocument) Parent() (domain.ParentOrder, []domain.LineItem) {
	req := d.PlaceRequest()
	parent := domain.ParentOrder{
		ExternalRef: req.ExternalRef,
		Currency:    req.Currency,
		Shipping:    req.Shipping,
		PlatformFee: req.PlatformFee,
		Tax:         req.Tax,
		Total:       req.Total,
		CreatedAt:   req.PlacedAt,
	}
	items := make([]domain.LineItem, len(req.Items))
	for i, in := range req.Items {
		items[i] = domain.LineItem{
			SKU:        in.SKU,
			VendorID:   in.VendorID,
			Quantity:   in.Quantity,
			UnitAmount: in.UnitAmount,
			Amount:     in.Amount,
		}
	}
	return parent, items
}
