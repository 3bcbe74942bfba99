package model

import "time"

const DefaultSettingsThreshold = 1000

// Settings is the global fallback threshold. Each item's own threshold overrides it.
type Settings struct {
	ReorderThreshold int `json:"reorderThreshold" bson:"reorderThreshold"`
}

func DefaultSettings() Settings {
	return Settings{ReorderThreshold: DefaultSettingsThreshold}
}

// Collection names one durable top-level collection of the ledger.
type Collection string

const (
	BagItems        Collection = "items-bags"
	BagTransactions Collection = "transactions-bags"
	BoxItems        Collection = "items-boxes"
	BoxTransactions Collection = "transactions-boxes"
	SettingsKey     Collection = "settings"
)

// AllCollections lists every collection in a stable order.
var AllCollections = []Collection{BagItems, BagTransactions, BoxItems, BoxTransactions, SettingsKey}

type Snapshot struct {
	Bags            []Item        `json:"bags"`
	BagTransactions []Transaction `json:"bagTransactions"`
	Boxes           []Item        `json:"boxes"`
	BoxTransactions []Transaction `json:"boxTransactions"`
	Settings        Settings      `json:"settings"`
	ExportDate      time.Time     `json:"exportDate"`
}

func (s Snapshot) Items(f Family) []Item {
	if f == Boxes {
		return s.Boxes
	}
	return s.Bags
}

func (s Snapshot) Transactions(f Family) []Transaction {
	if f == Boxes {
		return s.BoxTransactions
	}
	return s.BagTransactions
}

// Patch turns a full snapshot into a patch that replaces every collection.
func (s Snapshot) Patch() SnapshotPatch {
	bags, bagTx := s.Bags, s.BagTransactions
	boxes, boxTx := s.Boxes, s.BoxTransactions
	settings := s.Settings
	return SnapshotPatch{
		Bags:            &bags,
		BagTransactions: &bagTx,
		Boxes:           &boxes,
		BoxTransactions: &boxTx,
		Settings:        &settings,
	}
}

// SnapshotPatch is a partial snapshot: only non-nil collections are applied.
type SnapshotPatch struct {
	Bags            *[]Item
	BagTransactions *[]Transaction
	Boxes           *[]Item
	BoxTransactions *[]Transaction
	Settings        *Settings
}

// Collections reports which collections the patch overwrites.
func (p SnapshotPatch) Collections() []Collection {
	var out []Collection
	if p.Bags != nil {
		out = append(out, BagItems)
	}
	if p.BagTransactions != nil {
		out = append(out, BagTransactions)
	}
	if p.Boxes != nil {
		out = append(out, BoxItems)
	}
	if p.BoxTransactions != nil {
		out = append(out, BoxTransactions)
	}
	if p.Settings != nil {
		out = append(out, SettingsKey)
	}
	return out
}

func (p SnapshotPatch) Empty() bool {
	return len(p.Collections()) == 0
}
