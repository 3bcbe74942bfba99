package model

type ItemAdded struct {
	Family Family
	ItemID string
	Name   string
}

func (e ItemAdded) Type() string { return "ItemAdded" }
func (e ItemAdded) Collections() []Collection { return []Collection{e.Family.ItemsCollection()} }

// FlavourAdded is one event for a name added to both families at once.
type FlavourAdded struct {
	BagID string
	BoxID string
	Name  string
}

func (e FlavourAdded) Type() string { return "FlavourAdded" }
func (e FlavourAdded) Collections() []Collection { return []Collection{BagItems, BoxItems} }

type ItemUpdated struct {
	Family Family
	ItemID string
}

func (e ItemUpdated) Type() string { return "ItemUpdated" }
func (e ItemUpdated) Collections() []Collection { return []Collection{e.Family.ItemsCollection()} }

type ItemDeleted struct {
	Family              Family
	ItemID              string
	RemovedTransactions int
}

func (e ItemDeleted) Type() string { return "ItemDeleted" }
func (e ItemDeleted) Collections() []Collection {
	return []Collection{e.Family.ItemsCollection(), e.Family.TransactionsCollection()}
}

type TransactionRecorded struct {
	Family        Family
	TransactionID string
	ItemID        string
	Kind          Kind
	Quantity      int
}

func (e TransactionRecorded) Type() string { return "TransactionRecorded" }
func (e TransactionRecorded) Collections() []Collection {
	return []Collection{e.Family.TransactionsCollection()}
}

type TransactionUndone struct {
	Family        Family
	TransactionID string
}

func (e TransactionUndone) Type() string { return "TransactionUndone" }
func (e TransactionUndone) Collections() []Collection {
	return []Collection{e.Family.TransactionsCollection()}
}

type DefaultsSeeded struct {
	Families []Family
}

func (e DefaultsSeeded) Type() string { return "DefaultsSeeded" }
func (e DefaultsSeeded) Collections() []Collection {
	var out []Collection
	for _, f := range e.Families {
		out = append(out, f.ItemsCollection(), f.TransactionsCollection())
	}
	return out
}

type SettingsChanged struct {
	Settings Settings
}

func (e SettingsChanged) Type() string { return "SettingsChanged" }
func (e SettingsChanged) Collections() []Collection { return []Collection{SettingsKey} }

type SnapshotApplied struct {
	Applied []Collection
}

func (e SnapshotApplied) Type() string { return "SnapshotApplied" }
func (e SnapshotApplied) Collections() []Collection { return e.Applied }

// StoreCleared carries no collections: the durable keys are erased, not rewritten.
type StoreCleared struct{}

func (e StoreCleared) Type() string { return "StoreCleared" }
func (e StoreCleared) Collections() []Collection { return nil }
