package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPurchase is returned by Purchase.Validate.
var ErrInvalidPurchase = errors.New("invalid purchase")

// PurchaseItem is one line of a purchase.
type PurchaseItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Purchase is a completed transaction.
type Purchase struct {
	TransactionID string         `json:"transaction_id"`
	Value         float64        `json:"value"`
	Currency      string         `json:"currency"`
	Items         []PurchaseItem `json:"items,omitempty"`
	Properties    Properties     `json:"properties,omitempty"`
}

// Validate checks the fields every sink's purchase API depends on.
func (p Purchase) Validate() error {
	switch {
	case p.TransactionID == "":
		return fmt.Errorf("%w: transaction id is empty", ErrInvalidPurchase)
	case p.Currency == "":
		return fmt.Errorf("%w: currency is empty", ErrInvalidPurchase)
	case p.Value < 0:
		return fmt.Errorf("%w: value is negative", ErrInvalidPurchase)
	}
	return nil
}

// EventProperties flattens the purchase into the properties of the
// generic "purchase" event. Caller properties are applied first so the
// transaction fields win.
func (p Purchase) EventProperties() Properties {
	props := p.Properties.Clone()
	props["transaction_id"] = String(p.TransactionID)
	props["value"] = Number(p.Value)
	props["currency"] = String(p.Currency)
	props["item_count"] = Int(int64(len(p.Items)))
	if len(p.Items) > 0 {
		if raw, err := json.Marshal(p.Items); err == nil {
			props["items"] = Blob(raw)
		}
	}
	return props
}
