// Package report renders LLM cost records as an .xlsx workbook.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"lead-pipeline/internal/models"
)

const (
	costSheet    = "Costs"
	summarySheet = "Summary"
)

var costHeaders = []string{"Recorded At", "Client", "Automation", "Run ID", "Model", "Tokens In", "Tokens Out", "Cost USD"}

// CostWorkbook returns a workbook with one row per record on the Costs sheet
// and the overall and per-client totals on the Summary sheet.
func CostWorkbook(records []models.CostRecord, summary models.CostSummary, from, to time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", costSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}

	for i, h := range costHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(costSheet, cell, h)
	}
	sorted := append([]models.CostRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RecordedAt.Before(sorted[j].RecordedAt) })
	for i, r := range sorted {
		row := i + 2
		values := []any{
			r.RecordedAt.UTC().Format(time.RFC3339), r.ClientID, r.Automation, r.RunID,
			r.Model, r.TokensIn, r.TokensOut, r.CostUSD,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(costSheet, cell, v)
		}
	}
	_ = f.SetColWidth(costSheet, "A", "A", 22)
	_ = f.SetColWidth(costSheet, "B", "D", 20)
	_ = f.SetColWidth(costSheet, "E", "E", 16)
	_ = f.SetColWidth(costSheet, "F", "H", 12)

	rows := [][]any{
		{"From", formatDay(from)},
		{"To", formatDay(to)},
		{"Records", summary.Records},
		{"Runs", summary.Runs},
		{"Tokens In", summary.TokensIn},
		{"Tokens Out", summary.TokensOut},
		{"Total Cost USD", summary.CostUSD},
		{"Avg Cost Per Run", summary.AvgCostPerRun},
		{},
		{"Client", "Cost USD"},
	}
	for _, c := range clientTotals(records) {
		rows = append(rows, []any{c.client, c.cost})
	}
	for i, row := range rows {
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+1)
			_ = f.SetCellValue(summarySheet, cell, v)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

type clientCost struct {
	client string
	cost   float64
}

func clientTotals(records []models.CostRecord) []clientCost {
	byClient := map[string]float64{}
	for _, r := range records {
		byClient[r.ClientID] += r.CostUSD
	}
	out := make([]clientCost, 0, len(byClient))
	for c, v := range byClient {
		out = append(out, clientCost{client: c, cost: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].cost != out[j].cost {
			return out[i].cost > out[j].cost
		}
		return out[i].client < out[j].client
	})
	return out
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
