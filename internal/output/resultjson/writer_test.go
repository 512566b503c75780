package resultjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelscope/pkg/models"
)

func TestWriterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "results.jsonl")

	for i := 0; i < 2; i++ {
		w, err := NewWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.WriteReport(context.Background(), &models.Report{
			Kind:   models.ReportFunnel,
			Name:   "checkout",
			Funnel: &models.FunnelResult{RunID: "run-1", Steps: []models.StepResult{{Step: 0, Count: 2}}},
		}))
		require.NoError(t, w.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var got models.Report
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
		assert.Equal(t, "checkout", got.Name)
		assert.Equal(t, "run-1", got.RunID())
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestStreamWriterKeepsNullAverage(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	require.NoError(t, w.WriteReport(context.Background(), &models.Report{
		Kind:   models.ReportFunnel,
		Funnel: &models.FunnelResult{Steps: []models.StepResult{{Step: 0, Label: "signup"}}},
	}))
	require.NoError(t, w.Close())
	assert.Contains(t, buf.String(), `"avg_time_to_convert_seconds": null`)
	assert.NotContains(t, buf.String(), "breakdown_value")
}
