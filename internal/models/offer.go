package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

var (
	ErrOfferPriceMissing    = errors.New("offer payload carries no price")
	ErrOfferCurrencyMissing = errors.New("offer payload carries no currency")
)

// OfferPayload is a provider offer tagged with its product type. The raw
// document is passed through to the provider untouched; only price and
// currency are read here.
type OfferPayload struct {
	ProductType ProductType     `json:"product_type"`
	Raw         json.RawMessage `json:"raw"`
}

// Quote extracts the quoted price and currency from the raw offer
func (o OfferPayload) Quote() (float64, string, error) {
	if len(o.Raw) == 0 {
		return 0, "", ErrOfferPriceMissing
	}

	switch o.ProductType {
	case ProductFlight:
		var doc struct {
			Price struct {
				GrandTotal flexAmount `json:"grandTotal"`
				Total      flexAmount `json:"total"`
				Currency   string     `json:"currency"`
			} `json:"price"`
		}
		if err := json.Unmarshal(o.Raw, &doc); err != nil {
			return 0, "", fmt.Errorf("failed to decode flight offer: %w", err)
		}
		return pick(doc.Price.Currency, doc.Price.GrandTotal, doc.Price.Total)

	case ProductHotel:
		var doc struct {
			Offers []struct {
				Price struct {
					Total    flexAmount `json:"total"`
					Currency string     `json:"currency"`
				} `json:"price"`
			} `json:"offers"`
			Price    flexAmount `json:"price"`
			Currency string     `json:"currency"`
		}
		if err := json.Unmarshal(o.Raw, &doc); err != nil {
			return 0, "", fmt.Errorf("failed to decode hotel offer: %w", err)
		}
		if len(doc.Offers) > 0 && doc.Offers[0].Price.Total.set {
			return pick(doc.Offers[0].Price.Currency, doc.Offers[0].Price.Total)
		}
		return pick(doc.Currency, doc.Price)

	case ProductCar:
		var doc struct {
			Quotation struct {
				MonetaryAmount flexAmount `json:"monetaryAmount"`
				CurrencyCode   string     `json:"currencyCode"`
			} `json:"quotation"`
			Price    flexAmount `json:"price"`
			Currency string     `json:"currency"`
		}
		if err := json.Unmarshal(o.Raw, &doc); err != nil {
			return 0, "", fmt.Errorf("failed to decode car offer: %w", err)
		}
		if doc.Quotation.MonetaryAmount.set {
			return pick(doc.Quotation.CurrencyCode, doc.Quotation.MonetaryAmount)
		}
		return pick(doc.Currency, doc.Price)
	}

	return 0, "", fmt.Errorf("unsupported product type %q", o.ProductType)
}

func pick(currency string, amounts ...flexAmount) (float64, string, error) {
	for _, a := range amounts {
		if !a.set {
			continue
		}
		if strings.TrimSpace(currency) == "" {
			return 0, "", ErrOfferCurrencyMissing
		}
		return a.value, strings.ToUpper(strings.TrimSpace(currency)), nil
	}
	return 0, "", ErrOfferPriceMissing
}

// Fingerprint identifies the offer document independent of whitespace
func (o OfferPayload) Fingerprint() (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, o.Raw); err != nil {
		return "", fmt.Errorf("failed to compact offer: %w", err)
	}
	sum := sha256.Sum256(append([]byte(string(o.ProductType)+":"), buf.Bytes()...))
	return hex.EncodeToString(sum[:]), nil
}

// flexAmount decodes prices that providers send either as numbers or as
// decimal strings.
type flexAmount struct {
	value float64
	set   bool
}

func (f *flexAmount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f.value = v
	f.set = true
	return nil
}
