package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"

	_ "github.com/leapstack-labs/leapserve/internal/engine/frame"
	_ "github.com/leapstack-labs/leapserve/internal/engine/sqlite"
)

type stationRow struct {
	Name string  `parquet:"name"`
	Lat  float64 `parquet:"lat"`
	Lon  float64 `parquet:"lon"`
	Bays int64   `parquet:"bays"`
}

func writeStations(t *testing.T, path string, rows []stationRow) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewWriter(f)
	for i := range rows {
		require.NoError(t, w.Write(&rows[i]))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	base := t.TempDir()
	writeStations(t, filepath.Join(base, "stations", "city=delft", "part-0.parquet"), []stationRow{
		{Name: "station", Lat: 52.01, Lon: 4.36, Bays: 12},
		{Name: "market", Lat: 52.012, Lon: 4.359, Bays: 4},
	})
	writeStations(t, filepath.Join(base, "stations", "city=leiden", "part-0.parquet"), []stationRow{
		{Name: "centraal", Lat: 52.166, Lon: 4.482, Bays: 30},
	})

	cfg := &config.Config{
		Server: config.ServerConfig{BaseDir: base, CacheDir: filepath.Join(base, "cache")},
		Datasources: []config.Datasource{{
			Name:   "stations",
			URI:    "stations",
			Format: config.FormatParquet,
			Engine: "frame",
			Params: []config.Param{
				{Name: "bays", Operators: []config.Operator{config.OpEq, config.OpGte}},
			},
			Nearby: []config.NearbyConfig{{LatColumn: "lat", LonColumn: "lon", Alias: "distance_m"}},
		}},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	s, err := New(cfg, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

type queryResponse struct {
	Columns []string         `json:"columns"`
	Data    []map[string]any `json:"data"`
	Count   int              `json:"count"`
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestQueryWithDeclaredParam(t *testing.T) {
	ts := newTestServer(t)

	var body queryResponse
	resp := getJSON(t, ts, "/v1/stations/?bays_gte=5", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	require.Equal(t, 2, body.Count)
	names := []string{body.Data[0]["name"].(string), body.Data[1]["name"].(string)}
	assert.ElementsMatch(t, []string{"station", "centraal"}, names)
}

func TestQueryImplicitPartitionParam(t *testing.T) {
	ts := newTestServer(t)

	var body queryResponse
	resp := getJSON(t, ts, "/v1/stations/?city=leiden", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "centraal", body.Data[0]["name"])
	assert.Equal(t, "leiden", body.Data[0]["city"])
}

func TestQueryNearby(t *testing.T) {
	ts := newTestServer(t)

	var body queryResponse
	resp := getJSON(t, ts, "/v1/stations/?lat=52.011&lon=4.36&distance_m=2000", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "station", body.Data[0]["name"])
	assert.Contains(t, body.Data[0], "distance_m")
}

func TestQueryUnknownTable(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts, "/v1/ghost/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueryInvalidLimit(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, ts, "/v1/stations/?limit=abc", &body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "limit")
}

func TestQueryUnknownEngine(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts, "/v1/stations/?$engine=warp", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryCSVEncoding(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/stations/?format=csv&$select=name&city=leiden")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")

	raw := make([]byte, 1024)
	n, _ := resp.Body.Read(raw)
	lines := strings.Split(strings.TrimSpace(string(raw[:n])), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "name", strings.TrimSpace(lines[0]))
	assert.Equal(t, "centraal", strings.TrimSpace(lines[1]))
}

func TestSchemaEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body struct {
		Params struct {
			Fields []map[string]any `json:"fields"`
		} `json:"params"`
		Response struct {
			Untyped bool             `json:"untyped"`
			Fields  []map[string]any `json:"fields"`
		} `json:"response"`
	}
	resp := getJSON(t, ts, "/v1/stations/schema", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, body.Response.Untyped)

	var names []string
	for _, f := range body.Response.Fields {
		names = append(names, f["name"].(string))
	}
	assert.Contains(t, names, "name")
	assert.Contains(t, names, "city")

	var paramNames []string
	for _, f := range body.Params.Fields {
		paramNames = append(paramNames, f["name"].(string))
	}
	assert.Contains(t, paramNames, "bays")
	assert.Contains(t, paramNames, "bays_gte")
}

func TestTablesEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body struct {
		Tables []tableInfo `json:"tables"`
	}
	resp := getJSON(t, ts, "/v1/tables", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Tables, 1)
	assert.Equal(t, "stations", body.Tables[0].Name)
	assert.Equal(t, "frame", body.Tables[0].Engine)
}

func TestSQLEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/sql", "application/json",
		strings.NewReader(`{"sql": "select 1 as one"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body queryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, body.Count)
	assert.EqualValues(t, 1, body.Data[0]["one"])
}

func TestSQLEndpointRejectsWrites(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/sql", "application/json",
		strings.NewReader(`{"sql": "drop table stations"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, ts, "/healthz", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestQueryRequiredAndDefaultParams(t *testing.T) {
	base := t.TempDir()
	writeStations(t, filepath.Join(base, "stations", "part-0.parquet"), []stationRow{
		{Name: "station", Lat: 52.01, Lon: 4.36, Bays: 12},
		{Name: "market", Lat: 52.012, Lon: 4.359, Bays: 4},
	})

	cfg := &config.Config{
		Server: config.ServerConfig{BaseDir: base, CacheDir: filepath.Join(base, "cache")},
		Datasources: []config.Datasource{{
			Name:   "stations",
			URI:    "stations",
			Format: config.FormatParquet,
			Engine: "frame",
			Params: []config.Param{
				{Name: "name", Operators: []config.Operator{config.OpEq}, Required: true},
				{Name: "bays", Operators: []config.Operator{config.OpEq, config.OpGte}, Default: 5},
			},
		}},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	s, err := New(cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	// Omitting a required parameter is rejected.
	resp := getJSON(t, ts, "/v1/stations/", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// With the required parameter present the default filters bays = 5
	// away, leaving only the 12-bay row to match by name.
	var body queryResponse
	resp = getJSON(t, ts, "/v1/stations/?name=market", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, body.Count)

	resp = getJSON(t, ts, "/v1/stations/?name=market&bays=4", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "market", body.Data[0]["name"])
}

func TestStatusForCapabilityError(t *testing.T) {
	status, msg := statusFor(&engine.UnsupportedOperationError{Engine: "sqlite", Op: "array containment filter"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, msg, "array containment filter")
}
