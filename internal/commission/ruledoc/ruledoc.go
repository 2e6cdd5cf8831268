// Package ruledoc reads commission rules and events authored as YAML.
package ruledoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revshare/internal/commission/domain"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
)

var ErrInvalidDocument = errors.New("invalid_document")

// RuleDocument is the YAML form of a rule version. Rates are written as
// strings ("0.05") so they are never parsed through float64.
type RuleDocument struct {
	ID            int64          `yaml:"id"`
	Owner         int64          `yaml:"owner"`
	Code          string         `yaml:"code"`
	Version       int            `yaml:"version"`
	Type          string         `yaml:"type"`
	Trigger       string         `yaml:"trigger"`
	VendorTier    string         `yaml:"vendor_tier"`
	EffectiveFrom time.Time      `yaml:"effective_from"`
	EffectiveTo   *time.Time     `yaml:"effective_to"`
	Rate          string         `yaml:"rate"`
	FlatAmount    *int64         `yaml:"flat_amount"`
	Tiers         []BandDocument `yaml:"tiers"`
}

type BandDocument struct {
	From       int64  `yaml:"from"`
	UpTo       *int64 `yaml:"up_to"`
	Rate       string `yaml:"rate"`
	FlatAmount *int64 `yaml:"flat_amount"`
}

// EventDocument is the YAML form of a commission event. Volume is the
// subject's cumulative volume as of the event and only matters to TIERED rules.
type EventDocument struct {
	ID          int64     `yaml:"id"`
	Type        string    `yaml:"type"`
	Subject     int64     `yaml:"subject"`
	Amount      int64     `yaml:"amount"`
	Currency    string    `yaml:"currency"`
	OccurredAt  time.Time `yaml:"occurred_at"`
	ExternalRef string    `yaml:"external_ref"`
	Volume      int64     `yaml:"volume"`
}

func LoadRule(path string) (*RuleDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeRule(bytes.NewReader(data))
}

func DecodeRule(r io.Reader) (*RuleDocument, error) {
	var doc RuleDocument
	if err := decode(r, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func LoadEvent(path string) (*EventDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(bytes.NewReader(data))
}

func DecodeEvent(r io.Reader) (*EventDocument, error) {
	var doc EventDocument
	if err := decode(r, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func decode(r io.Reader, out any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

func (d RuleDocument) Parameters() (domain.Parameters, error) {
	rate, err := parseRate(d.Rate)
	if err != nil {
		return domain.Parameters{}, err
	}
	params := domain.Parameters{Rate: rate, FlatAmount: d.FlatAmount}
	for i, b := range d.Tiers {
		bandRate, err := parseRate(b.Rate)
		if err != nil {
			return domain.Parameters{}, fmt.Errorf("tier %d: %w", i, err)
		}
		params.Tiers = append(params.Tiers, domain.TierBand{
			From:       b.From,
			UpTo:       b.UpTo,
			Rate:       bandRate,
			FlatAmount: b.FlatAmount,
		})
	}
	return params, nil
}

// CreateRequest converts the document into a request for a first version.
func (d RuleDocument) CreateRequest() (domain.CreateRuleRequest, error) {
	params, err := d.Parameters()
	if err != nil {
		return domain.CreateRuleRequest{}, err
	}
	return domain.CreateRuleRequest{
		OwnerID:       snowflake.ID(d.Owner),
		Code:          strings.TrimSpace(d.Code),
		Type:          domain.RuleType(strings.ToUpper(strings.TrimSpace(d.Type))),
		Trigger:       domain.EventType(strings.ToUpper(strings.TrimSpace(d.Trigger))),
		Parameters:    params,
		VendorTier:    strings.TrimSpace(d.VendorTier),
		EffectiveFrom: d.EffectiveFrom.UTC(),
		EffectiveTo:   utcPtr(d.EffectiveTo),
	}, nil
}

// Rule builds the rule as stored, for evaluating it without persistence.
func (d RuleDocument) Rule() (domain.Rule, error) {
	req, err := d.CreateRequest()
	if err != nil {
		return domain.Rule{}, err
	}
	version := d.Version
	if version <= 0 {
		version = 1
	}
	return domain.Rule{
		ID:            snowflake.ID(d.ID),
		OwnerID:       req.OwnerID,
		Code:          req.Code,
		Version:       version,
		Type:          req.Type,
		Trigger:       req.Trigger,
		Parameters:    datatypes.NewJSONType(req.Parameters),
		VendorTier:    req.VendorTier,
		EffectiveFrom: req.EffectiveFrom,
		EffectiveTo:   req.EffectiveTo,
		CreatedAt:     req.EffectiveFrom,
	}, nil
}

func (d EventDocument) Event() domain.Event {
	return domain.Event{
		ID:          snowflake.ID(d.ID),
		Type:        domain.EventType(strings.ToUpper(strings.TrimSpace(d.Type))),
		SubjectID:   snowflake.ID(d.Subject),
		Amount:      d.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(d.Currency)),
		OccurredAt:  d.OccurredAt.UTC(),
		ExternalRef: strings.TrimSpace(d.ExternalRef),
		CreatedAt:   d.OccurredAt.UTC(),
	}
}

func (d EventDocument) RecordRequest() domain.RecordEventRequest {
	ev := d.Event()
	return domain.RecordEventRequest{
		Type:        ev.Type,
		SubjectID:   ev.SubjectID,
		Amount:      ev.Amount,
		Currency:    ev.Currency,
		OccurredAt:  ev.OccurredAt,
		ExternalRef: ev.ExternalRef,
	}
}

func parseRate(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: rate %q: %v", ErrInvalidDocument, raw, err)
	}
	return &rate, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
