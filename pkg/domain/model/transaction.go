package model

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be a positive number")
	ErrInvalidKind     = errors.New("transaction kind is not valid for this family")
)

type Kind string

const (
	Used       Kind = "used"
	Ordered    Kind = "ordered"
	Made       Kind = "made"
	Adjustment Kind = "adjustment"
)

// ValidFor reports whether k may be recorded against items of family f.
func (k Kind) ValidFor(f Family) bool {
	switch k {
	case Used, Adjustment:
		return true
	case Ordered:
		return f == Bags
	case Made:
		return f == Boxes
	}
	return false
}

type Transaction struct {
	ID       string    `json:"id" bson:"id"`
	ItemID   string    `json:"itemId" bson:"itemId"`
	ItemName string    `json:"itemName" bson:"itemName"` // name at record time, kept after rename or delete
	Quantity int       `json:"quantity" bson:"quantity"`
	Kind     Kind      `json:"kind" bson:"kind"`
	Date     time.Time `json:"date" bson:"date"`
}

// TransactionFilter narrows a log listing. Empty fields match everything.
type TransactionFilter struct {
	ItemID string
	Kind   Kind
}

func (f TransactionFilter) Match(t Transaction) bool {
	if f.ItemID != "" && t.ItemID != f.ItemID {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	return true
}

// UnmarshalJSON also accepts the field names written by the first version of the
// tracker: productId/boxId, productName/boxName and type.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          string    `json:"id"`
		ItemID      string    `json:"itemId"`
		ProductID   string    `json:"productId"`
		BoxID       string    `json:"boxId"`
		ItemName    string    `json:"itemName"`
		ProductName string    `json:"productName"`
		BoxName     string    `json:"boxName"`
		Quantity    int       `json:"quantity"`
		Kind        Kind      `json:"kind"`
		Type        Kind      `json:"type"`
		Date        time.Time `json:"date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Transaction{
		ID:       raw.ID,
		ItemID:   firstNonEmpty(raw.ItemID, raw.ProductID, raw.BoxID),
		ItemName: firstNonEmpty(raw.ItemName, raw.ProductName, raw.BoxName),
		Quantity: raw.Quantity,
		Kind:     Kind(firstNonEmpty(string(raw.Kind), string(raw.Type))),
		Date:     raw.Date,
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
