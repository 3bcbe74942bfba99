package report

import (
	"io"
	"slices"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"mixbag/pkg/application/service"
	"mixbag/pkg/domain/model"
)

const (
	bagsSheet  = "Bags"
	boxesSheet = "Boxes"
	logSheet   = "Log"

	dateLayout = "2006-01-02 15:04"
)

// ContentType is the MIME type of the workbook written by Write.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Build renders a workbook with one stock sheet per family and a combined
// transaction log, newest first.
func Build(inventory *service.Inventory) (*excelize.File, error) {
	f := excelize.NewFile()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "create header style")
	}

	if err := f.SetSheetName("Sheet1", bagsSheet); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "rename sheet")
	}
	for _, sheet := range []string{boxesSheet, logSheet} {
		if _, err := f.NewSheet(sheet); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "create sheet %s", sheet)
		}
	}

	w := sheetWriter{f: f, headerStyle: headerStyle}
	w.stockSheet(bagsSheet, "Ordered", inventory.StockLevels(model.Bags))
	w.stockSheet(boxesSheet, "Made", inventory.StockLevels(model.Boxes))
	w.logSheet(inventory)
	if w.err != nil {
		_ = f.Close()
		return nil, w.err
	}

	f.SetActiveSheet(0)
	return f, nil
}

// Write builds the workbook and writes it to out.
func Write(out io.Writer, inventory *service.Inventory) error {
	f, err := Build(inventory)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(out); err != nil {
		return errors.Wrap(err, "write workbook")
	}
	return nil
}

// sheetWriter keeps the first error so rows can be written without checking
// every call.
type sheetWriter struct {
	f           *excelize.File
	headerStyle int
	err         error
}

func (w *sheetWriter) stockSheet(sheet, inboundHeader string, lines []service.StockLine) {
	w.header(sheet, []any{"Status", "Flavour", "Stock", "Used", inboundHeader, "Adjustment", "Threshold"})
	for i, line := range lines {
		w.row(sheet, i+2, []any{
			string(line.Status),
			line.Item.Name,
			line.Stock,
			line.Totals.Used,
			line.Totals.Inbound,
			line.Totals.Adjustment,
			line.Item.ReorderThreshold,
		})
	}
	w.finish(sheet, "G1")
}

func (w *sheetWriter) logSheet(inventory *service.Inventory) {
	type entry struct {
		family model.Family
		tx     model.Transaction
	}
	var entries []entry
	for _, family := range model.Families {
		for tx := range inventory.Ledger().Transactions(family, model.TransactionFilter{}) {
			entries = append(entries, entry{family: family, tx: tx})
		}
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		return b.tx.Date.Compare(a.tx.Date)
	})

	w.header(logSheet, []any{"Date", "Family", "Flavour", "Kind", "Quantity"})
	for i, e := range entries {
		w.row(logSheet, i+2, []any{
			e.tx.Date.Format(dateLayout),
			string(e.family),
			e.tx.ItemName,
			string(e.tx.Kind),
			e.tx.Quantity,
		})
	}
	w.finish(logSheet, "E1")
}

func (w *sheetWriter) header(sheet string, values []any) {
	w.row(sheet, 1, values)
	if w.err != nil {
		return
	}
	last, err := excelize.CoordinatesToCellName(len(values), 1)
	if err != nil {
		w.err = err
		return
	}
	if err := w.f.SetCellStyle(sheet, "A1", last, w.headerStyle); err != nil {
		w.err = errors.Wrapf(err, "style %s header", sheet)
	}
}

func (w *sheetWriter) row(sheet string, row int, values []any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		w.err = err
		return
	}
	if err := w.f.SetSheetRow(sheet, cell, &values); err != nil {
		w.err = errors.Wrapf(err, "write %s row %d", sheet, row)
	}
}

func (w *sheetWriter) finish(sheet, lastHeaderCell string) {
	if w.err != nil {
		return
	}
	if err := w.f.AutoFilter(sheet, "A1:"+lastHeaderCell, []excelize.AutoFilterOptions{}); err != nil {
		w.err = errors.Wrapf(err, "filter %s", sheet)
		return
	}
	if err := w.f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		w.err = errors.Wrapf(err, "freeze %s header", sheet)
	}
}
