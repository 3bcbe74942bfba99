package service

import (
	"mixbag/pkg/domain/model"
)

// StockLine is one row of the stock table.
type StockLine struct {
	Item   model.Item        `json:"item"`
	Totals model.StockTotals `json:"totals"`
	Stock  int               `json:"stock"`
	Status model.Status      `json:"status"`
}

// StockLevels lists every item of family in insertion order with its derived stock.
func (i *Inventory) StockLevels(family model.Family) []StockLine {
	items := i.ledger.Items(family)
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		totals := i.ledger.Totals(family, item.ID)
		stock := totals.Stock()
		lines = append(lines, StockLine{
			Item:   item,
			Totals: totals,
			Stock:  stock,
			Status: i.ledger.Status(family, stock, item),
		})
	}
	return lines
}

// NeedsAttention lists the items of family whose status is not ok.
func (i *Inventory) NeedsAttention(family model.Family) []StockLine {
	var out []StockLine
	for _, line := range i.StockLevels(family) {
		if line.Status != model.StatusOK {
			out = append(out, line)
		}
	}
	return out
}
