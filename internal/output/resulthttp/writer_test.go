package resulthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelscope/pkg/models"
)

func TestWriteReportPostsJSON(t *testing.T) {
	var (
		got    models.Report
		runID  string
		apiKey string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID = r.Header.Get(RunIDHeader)
		apiKey = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer token"}})
	require.NoError(t, err)
	defer w.Close()

	err = w.WriteReport(context.Background(), &models.Report{
		Kind:   models.ReportFunnel,
		Name:   "checkout",
		Funnel: &models.FunnelResult{RunID: "run-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-7", runID)
	assert.Equal(t, "Bearer token", apiKey)
	assert.Equal(t, "checkout", got.Name)
}

func TestWriteReportRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	err = w.WriteReport(context.Background(), &models.Report{Kind: models.ReportFunnel})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
