package resultxlsx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"funnelscope/pkg/models"
)

func TestWriterSavesSheets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.xlsx")
	w, err := NewWriter(path)
	require.NoError(t, err)

	avg := 120.0
	require.NoError(t, w.WriteReport(context.Background(), &models.Report{
		Kind: models.ReportFunnel,
		Name: "checkout",
		Funnel: &models.FunnelResult{RunID: "run-1", Steps: []models.StepResult{
			{Step: 0, Label: "signup", EventName: "signup", Count: 2, ConversionRate: 100, DropOff: 1, DropOffRate: 50, AvgTimeToConvertSeconds: &avg},
			{Step: 1, Label: "purchase", EventName: "purchase", Count: 1, ConversionRate: 50},
		}},
	}))
	median := int64(3)
	require.NoError(t, w.WriteReport(context.Background(), &models.Report{
		Kind: models.ReportTimeToConvert,
		TimeToConvert: &models.TimeToConvertResult{
			RunID: "run-2", ToStep: 1, MedianSeconds: &median, SampleSize: 1,
			Bins: []models.Bin{{From: 3, To: 4, Count: 1}},
		},
	}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(funnelSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Run", rows[0][0])
	assert.Equal(t, "signup", rows[1][5])
	assert.Equal(t, "120", rows[1][11])
	assert.Equal(t, "purchase", rows[2][5])

	rows, err = f.GetRows(ttcSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "3", rows[1][8])
}
