package model

const (
	DefaultBagThreshold = 3000
	DefaultBoxThreshold = 2
)

type CatalogEntry struct {
	Name             string
	ReorderThreshold int
}

var defaultCatalog = []CatalogEntry{
	{Name: "Rich", ReorderThreshold: 5000},
	{Name: "Caramel", ReorderThreshold: 5000},
	{Name: "White", ReorderThreshold: 5000},
	{Name: "Turkish", ReorderThreshold: 3000},
	{Name: "Mint", ReorderThreshold: 3000},
	{Name: "Strawberry", ReorderThreshold: 3000},
	{Name: "Coffee", ReorderThreshold: 3000},
	{Name: "Lemon Myrtle", ReorderThreshold: 3000},
	{Name: "Lamington", ReorderThreshold: 3000},
	{Name: "Fairy Bread", ReorderThreshold: 3000},
	{Name: "Cherry", ReorderThreshold: 3000},
	{Name: "Orange", ReorderThreshold: 3000},
	{Name: "Passionfruit", ReorderThreshold: 3000},
	{Name: "Blueberry", ReorderThreshold: 3000},
	{Name: "Raspberry", ReorderThreshold: 3000},
	{Name: "Gingerbread", ReorderThreshold: 3000},
	{Name: "Butterscotch", ReorderThreshold: 3000},
	{Name: "Eggnog", ReorderThreshold: 3000},
	{Name: "Pecan Pie", ReorderThreshold: 3000},
}

// DefaultCatalog returns the seed set for a family. Boxes share the bag names
// but always use DefaultBoxThreshold.
func DefaultCatalog(f Family) []CatalogEntry {
	out := make([]CatalogEntry, len(defaultCatalog))
	copy(out, defaultCatalog)
	if f == Boxes {
		for i := range out {
			out[i].ReorderThreshold = DefaultBoxThreshold
		}
	}
	return out
}

// DefaultThreshold is the threshold a new or migrated item of family f gets.
func DefaultThreshold(f Family, name string) int {
	if f == Boxes {
		return DefaultBoxThreshold
	}
	for _, entry := range defaultCatalog {
		if SameName(entry.Name, name) {
			return entry.ReorderThreshold
		}
	}
	return DefaultBagThreshold
}
