package service

import (
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mixbag/pkg/domain/model"
)

type Event interface {
	Type() string
	Collections() []model.Collection
}

type EventDispatcher interface {
	Dispatch(event Event) error
}

type LedgerService interface {
	AddItem(family model.Family, name string, threshold *int) (*model.Item, error)
	AddFlavour(name string) (bag *model.Item, box *model.Item, err error)
	RenameItem(family model.Family, itemID, name string) (*model.Item, error)
	SetItemThreshold(family model.Family, itemID string, threshold int) (*model.Item, error)
	DeleteItem(family model.Family, itemID string) bool
	Item(family model.Family, itemID string) (*model.Item, error)
	Items(family model.Family) []model.Item

	RecordTransaction(family model.Family, itemID string, quantity int, kind model.Kind) (*model.Transaction, error)
	UndoLast(family model.Family) *model.Transaction
	LastTransaction(family model.Family) *model.Transaction
	Transactions(family model.Family, filter model.TransactionFilter) iter.Seq[model.Transaction]

	Stock(family model.Family, itemID string) int
	Totals(family model.Family, itemID string) model.StockTotals
	Status(family model.Family, stock int, item model.Item) model.Status

	Settings() model.Settings
	UpdateSettings(settings model.Settings) error

	InitializeDefaults()
	SeedDefaults(family model.Family) []model.Item
	Snapshot() model.Snapshot
	Restore(snapshot model.Snapshot)
	Apply(patch model.SnapshotPatch)
	Clear()
}

type Option func(*ledgerService)

// WithClock replaces time.Now for creation and transaction dates.
func WithClock(now func() time.Time) Option {
	return func(s *ledgerService) { s.now = now }
}

func WithIDGenerator(next func() string) Option {
	return func(s *ledgerService) { s.nextID = next }
}

func NewLedgerService(dispatcher EventDispatcher, opts ...Option) LedgerService {
	s := &ledgerService{
		families: map[model.Family]*familyLedger{
			model.Bags:  {},
			model.Boxes: {},
		},
		settings:   model.DefaultSettings(),
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
		nextID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type familyLedger struct {
	items        []model.Item
	transactions []model.Transaction
}

// ledgerService guards all state with mu. Events are dispatched only after mu
// is released so dispatchers may read the ledger back.
type ledgerService struct {
	mu         sync.RWMutex
	families   map[model.Family]*familyLedger
	settings   model.Settings
	dispatcher EventDispatcher
	now        func() time.Time
	nextID     func() string
}

func (s *ledgerService) AddItem(family model.Family, name string, threshold *int) (*model.Item, error) {
	s.mu.Lock()
	item, err := s.addItemLocked(family, name, threshold)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.dispatch(model.ItemAdded{Family: family, ItemID: item.ID, Name: item.Name})
	return item, nil
}

func (s *ledgerService) AddFlavour(name string) (*model.Item, *model.Item, error) {
	s.mu.Lock()
	bag, err := s.addItemLocked(model.Bags, name, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	box, err := s.addItemLocked(model.Boxes, name, nil)
	if err != nil {
		s.dropLastItemLocked(model.Bags)
		s.mu.Unlock()
		return nil, nil, err
	}
	s.mu.Unlock()

	s.dispatch(model.FlavourAdded{BagID: bag.ID, BoxID: box.ID, Name: bag.Name})
	return bag, box, nil
}

func (s *ledgerService) addItemLocked(family model.Family, name string, threshold *int) (*model.Item, error) {
	if err := s.validateNewName(family, name, ""); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)

	reorderAt := model.DefaultThreshold(family, name)
	if threshold != nil && family == model.Bags {
		if *threshold < 0 {
			return nil, model.ErrInvalidThreshold
		}
		reorderAt = *threshold
	}

	item := model.Item{
		ID:               s.nextID(),
		Name:             name,
		ReorderThreshold: reorderAt,
		CreatedAt:        s.now(),
	}
	fl := s.families[family]
	fl.items = append(fl.items, item)
	return &item, nil
}

// dropLastItemLocked undoes the append made by addItemLocked.
func (s *ledgerService) dropLastItemLocked(family model.Family) {
	fl := s.families[family]
	fl.items = fl.items[:len(fl.items)-1]
}

func (s *ledgerService) validateNewName(family model.Family, name, exceptID string) error {
	fl, ok := s.families[family]
	if !ok {
		return model.ErrUnknownFamily
	}
	if strings.TrimSpace(name) == "" {
		return model.ErrEmptyName
	}
	for _, item := range fl.items {
		if item.ID != exceptID && model.SameName(item.Name, name) {
			return model.ErrDuplicateName
		}
	}
	return nil
}

func (s *ledgerService) RenameItem(family model.Family, itemID, name string) (*model.Item, error) {
	return s.updateItem(family, itemID, func(item *model.Item) error {
		if err := s.validateNewName(family, name, itemID); err != nil {
			return err
		}
		item.Name = strings.TrimSpace(name)
		return nil
	})
}

func (s *ledgerService) SetItemThreshold(family model.Family, itemID string, threshold int) (*model.Item, error) {
	return s.updateItem(family, itemID, func(item *model.Item) error {
		if threshold < 0 {
			return model.ErrInvalidThreshold
		}
		item.ReorderThreshold = threshold
		return nil
	})
}

func (s *ledgerService) updateItem(family model.Family, itemID string, action func(item *model.Item) error) (*model.Item, error) {
	s.mu.Lock()
	fl, ok := s.families[family]
	if !ok {
		s.mu.Unlock()
		return nil, model.ErrUnknownFamily
	}
	idx := indexOfItem(fl.items, itemID)
	if idx == -1 {
		s.mu.Unlock()
		return nil, model.ErrItemNotFound
	}

	updated := fl.items[idx]
	if err := action(&updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	fl.items[idx] = updated
	s.mu.Unlock()

	s.dispatch(model.ItemUpdated{Family: family, ItemID: itemID})
	return &updated, nil
}

func (s *ledgerService) DeleteItem(family model.Family, itemID string) bool {
	s.mu.Lock()
	fl, ok := s.families[family]
	if !ok {
		s.mu.Unlock()
		return false
	}
	idx := indexOfItem(fl.items, itemID)
	if idx == -1 {
		s.mu.Unlock()
		return false
	}

	fl.items = slices.Delete(fl.items, idx, idx+1)
	before := len(fl.transactions)
	fl.transactions = slices.DeleteFunc(fl.transactions, func(t model.Transaction) bool {
		return t.ItemID == itemID
	})
	removed := before - len(fl.transactions)
	s.mu.Unlock()

	s.dispatch(model.ItemDeleted{Family: family, ItemID: itemID, RemovedTransactions: removed})
	return true
}

func (s *ledgerService) Item(family model.Family, itemID string) (*model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fl, ok := s.families[family]
	if !ok {
		return nil, model.ErrUnknownFamily
	}
	idx := indexOfItem(fl.items, itemID)
	if idx == -1 {
		return nil, model.ErrItemNotFound
	}
	item := fl.items[idx]
	return &item, nil
}

func (s *ledgerService) Items(family model.Family) []model.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fl, ok := s.families[family]
	if !ok {
		return nil
	}
	return slices.Clone(fl.items)
}

func (s *ledgerService) RecordTransaction(family model.Family, itemID string, quantity int, kind model.Kind) (*model.Transaction, error) {
	if quantity <= 0 {
		return nil, model.ErrInvalidQuantity
	}
	if !kind.ValidFor(family) {
		return nil, model.ErrInvalidKind
	}

	s.mu.Lock()
	fl, ok := s.families[family]
	if !ok {
		s.mu.Unlock()
		return nil, model.ErrUnknownFamily
	}
	idx := indexOfItem(fl.items, itemID)
	if idx == -1 {
		s.mu.Unlock()
		return nil, model.ErrItemNotFound
	}

	tx := model.Transaction{
		ID:       s.nextID(),
		ItemID:   itemID,
		ItemName: fl.items[idx].Name,
		Quantity: quantity,
		Kind:     kind,
		Date:     s.now(),
	}
	fl.transactions = append(fl.transactions, tx)
	s.mu.Unlock()

	s.dispatch(model.TransactionRecorded{
		Family:        family,
		TransactionID: tx.ID,
		ItemID:        itemID,
		Kind:          kind,
		Quantity:      quantity,
	})
	return &tx, nil
}

func (s *ledgerService) UndoLast(family model.Family) *model.Transaction {
	s.mu.Lock()
	fl, ok := s.families[family]
	if !ok || len(fl.transactions) == 0 {
		s.mu.Unlock()
		return nil
	}
	last := fl.transactions[len(fl.transactions)-1]
	fl.transactions = fl.transactions[:len(fl.transactions)-1]
	s.mu.Unlock()

	s.dispatch(model.TransactionUndone{Family: family, TransactionID: last.ID})
	return &last
}

func (s *ledgerService) LastTransaction(family model.Family) *model.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fl, ok := s.families[family]
	if !ok || len(fl.transactions) == 0 {
		return nil
	}
	last := fl.transactions[len(fl.transactions)-1]
	return &last
}

// Transactions yields the family log newest first. Each iteration takes a
// fresh copy of the log, so the sequence can be ranged over again after
// further mutations.
func (s *ledgerService) Transactions(family model.Family, filter model.TransactionFilter) iter.Seq[model.Transaction] {
	return func(yield func(model.Transaction) bool) {
		s.mu.RLock()
		var log []model.Transaction
		if fl, ok := s.families[family]; ok {
			log = slices.Clone(fl.transactions)
		}
		s.mu.RUnlock()

		slices.SortStableFunc(log, func(a, b model.Transaction) int {
			return b.Date.Compare(a.Date)
		})
		for _, t := range log {
			if !filter.Match(t) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

func (s *ledgerService) Stock(family model.Family, itemID string) int {
	return s.Totals(family, itemID).Stock()
}

// Totals sums the full log on every call; logs are small enough that no
// running balance is kept.
func (s *ledgerService) Totals(family model.Family, itemID string) model.StockTotals {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals model.StockTotals
	fl, ok := s.families[family]
	if !ok {
		return totals
	}
	inbound := family.InboundKind()
	for _, t := range fl.transactions {
		if t.ItemID != itemID {
			continue
		}
		switch t.Kind {
		case inbound:
			totals.Inbound += t.Quantity
		case model.Adjustment:
			totals.Adjustment += t.Quantity
		case model.Used:
			totals.Used += t.Quantity
		}
	}
	return totals
}

func (s *ledgerService) Status(family model.Family, stock int, item model.Item) model.Status {
	if family == model.Boxes {
		if stock < model.BoxMakeCutoff {
			return model.StatusMake
		}
		return model.StatusOK
	}
	if stock <= item.ReorderThreshold {
		return model.StatusReorder
	}
	return model.StatusOK
}

func (s *ledgerService) Settings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *ledgerService) UpdateSettings(settings model.Settings) error {
	if settings.ReorderThreshold < 0 {
		return model.ErrInvalidThreshold
	}

	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.dispatch(model.SettingsChanged{Settings: settings})
	return nil
}

func (s *ledgerService) InitializeDefaults() {
	s.mu.Lock()
	for _, f := range model.Families {
		s.seedLocked(f)
	}
	s.mu.Unlock()

	s.dispatch(model.DefaultsSeeded{Families: slices.Clone(model.Families)})
}

// SeedDefaults replaces one family with the built-in catalog and empties its log.
func (s *ledgerService) SeedDefaults(family model.Family) []model.Item {
	s.mu.Lock()
	if _, ok := s.families[family]; !ok {
		s.mu.Unlock()
		return nil
	}
	items := s.seedLocked(family)
	s.mu.Unlock()

	s.dispatch(model.DefaultsSeeded{Families: []model.Family{family}})
	return items
}

func (s *ledgerService) seedLocked(family model.Family) []model.Item {
	catalog := model.DefaultCatalog(family)
	items := make([]model.Item, 0, len(catalog))
	for _, entry := range catalog {
		items = append(items, model.Item{
			ID:               s.nextID(),
			Name:             entry.Name,
			ReorderThreshold: entry.ReorderThreshold,
			CreatedAt:        s.now(),
		})
	}
	s.families[family] = &familyLedger{items: items}
	return slices.Clone(items)
}

func (s *ledgerService) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.Snapshot{
		Bags:            cloneOrEmpty(s.families[model.Bags].items),
		BagTransactions: cloneOrEmpty(s.families[model.Bags].transactions),
		Boxes:           cloneOrEmpty(s.families[model.Boxes].items),
		BoxTransactions: cloneOrEmpty(s.families[model.Boxes].transactions),
		Settings:        s.settings,
	}
}

// Restore replaces the whole state without dispatching; it is meant for
// loading state that is already durable.
func (s *ledgerService) Restore(snapshot model.Snapshot) {
	s.mu.Lock()
	s.applyLocked(snapshot.Patch())
	s.mu.Unlock()
}

func (s *ledgerService) Apply(patch model.SnapshotPatch) {
	if patch.Empty() {
		return
	}

	s.mu.Lock()
	s.applyLocked(patch)
	s.mu.Unlock()

	s.dispatch(model.SnapshotApplied{Applied: patch.Collections()})
}

func (s *ledgerService) applyLocked(patch model.SnapshotPatch) {
	if patch.Bags != nil {
		s.families[model.Bags].items = cloneOrEmpty(*patch.Bags)
	}
	if patch.BagTransactions != nil {
		s.families[model.Bags].transactions = cloneOrEmpty(*patch.BagTransactions)
	}
	if patch.Boxes != nil {
		s.families[model.Boxes].items = cloneOrEmpty(*patch.Boxes)
	}
	if patch.BoxTransactions != nil {
		s.families[model.Boxes].transactions = cloneOrEmpty(*patch.BoxTransactions)
	}
	if patch.Settings != nil {
		s.settings = *patch.Settings
	}
}

func (s *ledgerService) Clear() {
	s.mu.Lock()
	for _, f := range model.Families {
		s.families[f] = &familyLedger{}
	}
	s.settings = model.DefaultSettings()
	s.mu.Unlock()

	s.dispatch(model.StoreCleared{})
}

func (s *ledgerService) dispatch(event Event) {
	_ = s.dispatcher.Dispatch(event)
}

func indexOfItem(items []model.Item, itemID string) int {
	return slices.IndexFunc(items, func(item model.Item) bool { return item.ID == itemID })
}

func cloneOrEmpty[T any](src []T) []T {
	out := make([]T, len(src))
	copy(out, src)
	return out
}
