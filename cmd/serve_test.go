package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-intel/internal/model"
	"github.com/sells-group/company-intel/internal/store"
)

func newServeEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve_test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return &env{Store: s}
}

func seedCompany(t *testing.T, e *env, symbol, name string) {
	t.Helper()
	_, err := e.Store.ApplyIngestion(context.Background(), model.IngestionBatch{
		Company: model.Company{Symbol: symbol, Name: name, Sector: "Technology"},
		Observations: []model.StockObservation{
			{Symbol: symbol, Date: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), Open: 100, High: 105, Low: 99, Close: 104, Volume: 1000},
		},
	})
	require.NoError(t, err)
}

func TestServe_Health(t *testing.T) {
	srv := httptest.NewServer(newRouter(newServeEnv(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_ListCompanies(t *testing.T) {
	e := newServeEnv(t)
	srv := httptest.NewServer(newRouter(e))
	defer srv.Close()

	// Empty store returns an empty array, not null.
	resp, err := http.Get(srv.URL + "/companies")
	require.NoError(t, err)
	var companies []model.Company
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&companies))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, companies)
	assert.Empty(t, companies)

	seedCompany(t, e, "AAPL", "Apple Inc")
	seedCompany(t, e, "MSFT", "Microsoft")

	resp, err = http.Get(srv.URL + "/companies")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&companies))
	resp.Body.Close()
	require.Len(t, companies, 2)
	assert.Equal(t, "AAPL", companies[0].Symbol)
	assert.Equal(t, "MSFT", companies[1].Symbol)
}

func TestServe_GetCompany(t *testing.T) {
	e := newServeEnv(t)
	srv := httptest.NewServer(newRouter(e))
	defer srv.Close()

	seedCompany(t, e, "AAPL", "Apple Inc")

	resp, err := http.Get(srv.URL + "/companies/AAPL")
	require.NoError(t, err)
	var view model.CompanyView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Apple Inc", view.Company.Name)
	assert.Len(t, view.Observations, 1)

	resp, err = http.Get(srv.URL + "/companies/ZZZZ")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
