package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"lead-pipeline/internal/models"
)

func TestCostWorkbook(t *testing.T) {
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	records := []models.CostRecord{
		{ClientID: "beta", Automation: "lead-qualifier", RunID: "r2", Model: "gpt-4o-mini", TokensIn: 300, TokensOut: 100, CostUSD: 0.25, RecordedAt: day.Add(time.Hour)},
		{ClientID: "acme", Automation: "lead-qualifier", RunID: "r1", Model: "gpt-4o", TokensIn: 500, TokensOut: 200, CostUSD: 1.5, RecordedAt: day},
	}
	summary := models.CostSummary{Records: 2, Runs: 2, TokensIn: 800, TokensOut: 300, CostUSD: 1.75, AvgCostPerRun: 0.875}

	raw, err := CostWorkbook(records, summary, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Costs", "Summary"}, f.GetSheetList())

	rows, err := f.GetRows("Costs")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, costHeaders, rows[0])
	assert.Equal(t, "acme", rows[1][1])
	assert.Equal(t, "gpt-4o", rows[1][4])
	assert.Equal(t, "beta", rows[2][1])

	total, err := f.GetCellValue("Summary", "B7")
	require.NoError(t, err)
	assert.Equal(t, "1.75", total)
	top, err := f.GetCellValue("Summary", "A11")
	require.NoError(t, err)
	assert.Equal(t, "acme", top)
	from, _ := f.GetCellValue("Summary", "B1")
	assert.Equal(t, "2026-03-10", from)
}

func TestCostWorkbook_Empty(t *testing.T) {
	raw, err := CostWorkbook(nil, models.CostSummary{}, time.Time{}, time.Time{})
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Costs")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
