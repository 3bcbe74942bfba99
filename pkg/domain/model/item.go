package model

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrItemNotFound     = errors.New("item not found")
	ErrEmptyName        = errors.New("item name cannot be empty")
	ErrDuplicateName    = errors.New("item with this name already exists")
	ErrInvalidThreshold = errors.New("reorder threshold cannot be negative")
	ErrUnknownFamily    = errors.New("unknown item family")
)

type Family string

const (
	Bags  Family = "bags"
	Boxes Family = "boxes"
)

// Families lists both families in display order.
var Families = []Family{Bags, Boxes}

func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case Bags:
		return Bags, nil
	case Boxes:
		return Boxes, nil
	}
	return "", ErrUnknownFamily
}

// InboundKind is the kind that brings stock in: ordered for bags, made for boxes.
func (f Family) InboundKind() Kind {
	if f == Boxes {
		return Made
	}
	return Ordered
}

func (f Family) ItemsCollection() Collection {
	if f == Boxes {
		return BoxItems
	}
	return BagItems
}

func (f Family) TransactionsCollection() Collection {
	if f == Boxes {
		return BoxTransactions
	}
	return BagTransactions
}

type Item struct {
	ID               string    `json:"id" bson:"id"`
	Name             string    `json:"name" bson:"name"`
	ReorderThreshold int       `json:"reorderThreshold" bson:"reorderThreshold"`
	CreatedAt        time.Time `json:"createdAt" bson:"createdAt"`
}

// SameName compares names the way uniqueness is enforced within a family.
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

type Status string

const (
	StatusOK      Status = "ok"
	StatusReorder Status = "reorder"
	StatusMake    Status = "make"
)

// BoxMakeCutoff is the stock level below which a box needs making.
// Boxes ignore their own ReorderThreshold for status.
const BoxMakeCutoff = 3

// StockTotals holds per-kind sums for one item.
type StockTotals struct {
	Inbound    int `json:"inbound"`
	Adjustment int `json:"adjustment"`
	Used       int `json:"used"`
}

func (t StockTotals) Stock() int {
	return t.Inbound + t.Adjustment - t.Used
}
