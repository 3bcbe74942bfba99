package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mixbag/pkg/domain/model"
)

const exportFilenameLayout = "2006-01-02"

// Adapter maps the ledger snapshot onto the five collection keys of a
// KeyValueStore. Store failures are logged and never returned.
type Adapter struct {
	store  KeyValueStore
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewAdapter(store KeyValueStore, logger logrus.FieldLogger) *Adapter {
	return &Adapter{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// storedItem tells a missing reorderThreshold apart from an explicit zero.
type storedItem struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	ReorderThreshold *int      `json:"reorderThreshold"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Load reads every collection. Unreadable or undecodable keys load as empty.
// Items stored without a reorderThreshold are back-filled with the default for
// their family and the migrated collection is written back once.
func (a *Adapter) Load(ctx context.Context) model.Snapshot {
	snapshot := model.Snapshot{Settings: model.DefaultSettings()}

	for _, family := range model.Families {
		items, migrated := a.loadItems(ctx, family)
		if family == model.Boxes {
			snapshot.Boxes = items
		} else {
			snapshot.Bags = items
		}
		if migrated > 0 {
			a.logger.WithFields(logrus.Fields{
				"collection": family.ItemsCollection(),
				"items":      migrated,
			}).Info("back-filled missing reorder thresholds")
			a.Save(ctx, snapshot, family.ItemsCollection())
		}

		var log []model.Transaction
		a.loadInto(ctx, family.TransactionsCollection(), &log)
		if family == model.Boxes {
			snapshot.BoxTransactions = log
		} else {
			snapshot.BagTransactions = log
		}
	}

	var settings model.Settings
	if a.loadInto(ctx, model.SettingsKey, &settings) {
		snapshot.Settings = settings
	}
	return snapshot
}

func (a *Adapter) loadItems(ctx context.Context, family model.Family) ([]model.Item, int) {
	var stored []storedItem
	if !a.loadInto(ctx, family.ItemsCollection(), &stored) {
		return nil, 0
	}
	return toItems(family, stored)
}

// toItems converts stored items, back-filling missing thresholds with the
// family default. It reports how many were back-filled.
func toItems(family model.Family, stored []storedItem) ([]model.Item, int) {
	migrated := 0
	items := make([]model.Item, 0, len(stored))
	for _, s := range stored {
		item := model.Item{ID: s.ID, Name: s.Name, CreatedAt: s.CreatedAt}
		if s.ReorderThreshold != nil {
			item.ReorderThreshold = *s.ReorderThreshold
		} else {
			item.ReorderThreshold = model.DefaultThreshold(family, s.Name)
			migrated++
		}
		items = append(items, item)
	}
	return items, migrated
}

func (a *Adapter) loadInto(ctx context.Context, key model.Collection, dest any) bool {
	data, err := a.store.Get(ctx, string(key))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			a.logger.WithError(err).WithField("collection", key).Error("failed to load collection")
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		a.logger.WithError(err).WithField("collection", key).Error("failed to decode collection")
		return false
	}
	return true
}

// Save writes the given collections of snapshot.
func (a *Adapter) Save(ctx context.Context, snapshot model.Snapshot, collections ...model.Collection) {
	for _, c := range collections {
		data, err := json.Marshal(collectionValue(snapshot, c))
		if err != nil {
			a.logger.WithError(err).WithField("collection", c).Error("failed to encode collection")
			continue
		}
		if err := a.store.Put(ctx, string(c), data); err != nil {
			a.logger.WithError(err).WithField("collection", c).Error("failed to save collection")
		}
	}
}

func (a *Adapter) SaveAll(ctx context.Context, snapshot model.Snapshot) {
	a.Save(ctx, snapshot, model.AllCollections...)
}

// Clear erases all five keys.
func (a *Adapter) Clear(ctx context.Context) {
	for _, c := range model.AllCollections {
		if err := a.store.Delete(ctx, string(c)); err != nil {
			a.logger.WithError(err).WithField("collection", c).Error("failed to clear collection")
		}
	}
}

// Export renders snapshot as an export document stamped with the current time.
func (a *Adapter) Export(snapshot model.Snapshot) ([]byte, error) {
	snapshot.ExportDate = a.now()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode export")
	}
	return data, nil
}

func ExportFilename(date time.Time) string {
	return "inventory-backup-" + date.Format(exportFilenameLayout) + ".json"
}

type importDocument struct {
	Bags            *[]storedItem        `json:"bags"`
	BagTransactions *[]model.Transaction `json:"bagTransactions"`
	Boxes           *[]storedItem        `json:"boxes"`
	BoxTransactions *[]model.Transaction `json:"boxTransactions"`
	Settings        *model.Settings      `json:"settings"`

	// Names used by the first version of the tracker for the bag family.
	Products     *[]storedItem        `json:"products"`
	Transactions *[]model.Transaction `json:"transactions"`
}

// ParseImport decodes an export document into a patch. Keys that are absent
// stay nil so applying the patch leaves those collections untouched. Items
// without a reorderThreshold get their family default. Any decoding or
// validation failure is reported as ErrInvalidFormat.
func ParseImport(data []byte) (model.SnapshotPatch, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.SnapshotPatch{}, errors.Wrap(ErrInvalidFormat, "document must be a JSON object")
	}

	var doc importDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return model.SnapshotPatch{}, errors.Wrapf(ErrInvalidFormat, "decode: %v", err)
	}
	if doc.Bags == nil {
		doc.Bags = doc.Products
	}
	if doc.BagTransactions == nil {
		doc.BagTransactions = doc.Transactions
	}

	patch := model.SnapshotPatch{
		Bags:            importedItems(model.Bags, doc.Bags),
		BagTransactions: doc.BagTransactions,
		Boxes:           importedItems(model.Boxes, doc.Boxes),
		BoxTransactions: doc.BoxTransactions,
		Settings:        doc.Settings,
	}
	if err := validatePatch(patch); err != nil {
		return model.SnapshotPatch{}, err
	}
	return patch, nil
}

func importedItems(family model.Family, stored *[]storedItem) *[]model.Item {
	if stored == nil {
		return nil
	}
	items, _ := toItems(family, *stored)
	return &items
}

func validatePatch(patch model.SnapshotPatch) error {
	for _, family := range model.Families {
		items, log := patch.Bags, patch.BagTransactions
		if family == model.Boxes {
			items, log = patch.Boxes, patch.BoxTransactions
		}
		if items != nil {
			if err := validateItems(family, *items); err != nil {
				return err
			}
		}
		if log != nil {
			for i, t := range *log {
				if t.ID == "" || t.ItemID == "" {
					return errors.Wrapf(ErrInvalidFormat, "%s transaction %d: id and item id are required", family, i)
				}
				if t.Quantity <= 0 {
					return errors.Wrapf(ErrInvalidFormat, "%s transaction %d: quantity must be positive", family, i)
				}
				if !t.Kind.ValidFor(family) {
					return errors.Wrapf(ErrInvalidFormat, "%s transaction %d: unknown kind %q", family, i, t.Kind)
				}
			}
		}
	}
	if patch.Settings != nil && patch.Settings.ReorderThreshold < 0 {
		return errors.Wrap(ErrInvalidFormat, "settings: negative reorder threshold")
	}
	return nil
}

func validateItems(family model.Family, items []model.Item) error {
	for i, item := range items {
		if item.ID == "" || strings.TrimSpace(item.Name) == "" {
			return errors.Wrapf(ErrInvalidFormat, "%s item %d: id and name are required", family, i)
		}
		if item.ReorderThreshold < 0 {
			return errors.Wrapf(ErrInvalidFormat, "%s item %d: negative reorder threshold", family, i)
		}
		for _, earlier := range items[:i] {
			if model.SameName(earlier.Name, item.Name) {
				return errors.Wrapf(ErrInvalidFormat, "%s item %d: duplicate name %q", family, i, item.Name)
			}
		}
	}
	return nil
}

func collectionValue(snapshot model.Snapshot, c model.Collection) any {
	switch c {
	case model.BagItems:
		return nonNil(snapshot.Bags)
	case model.BagTransactions:
		return nonNil(snapshot.BagTransactions)
	case model.BoxItems:
		return nonNil(snapshot.Boxes)
	case model.BoxTransactions:
		return nonNil(snapshot.BoxTransactions)
	case model.SettingsKey:
		return snapshot.Settings
	}
	return nil
}

// nonNil makes empty collections encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
