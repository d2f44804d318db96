package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/engine/sqlite"
	"github.com/leapstack-labs/leapserve/internal/meta"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tableInfo struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Engine string `json:"engine"`
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	infos := make([]tableInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tables[name]
		infos = append(infos, tableInfo{
			Name:   t.ds.Name,
			Format: string(t.ds.Format),
			Engine: s.engineName(t.ds, ""),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": infos})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tables[chi.URLParam(r, "table")]
	if !ok {
		s.writeError(w, r, &source.NotFoundError{URI: chi.URLParam(r, "table")})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"params":   t.paramModel,
		"response": t.responseModel,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, ok := s.tables[chi.URLParam(r, "table")]
	if !ok {
		s.writeError(w, r, &source.NotFoundError{URI: chi.URLParam(r, "table")})
		return
	}

	params, planReq, opts, err := parseRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	loc, err := s.locator.Resolve(t.ds.URI, t.ds.Account, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	m, err := s.meta.Get(ctx, t.ds, loc)
	if err != nil {
		s.logger.Warn("metadata unavailable, querying without schema enrichment",
			slog.String("datasource", t.ds.Name),
			slog.String("request_id", requestIDFrom(ctx)),
			slog.String("error", err.Error()))
		m = meta.None
	}

	// Keys consumed by a configured feature never reach the filter, where
	// an implicit parameter of the same name could capture them.
	if t.ds.Search != nil {
		delete(params, "search")
	}
	if len(t.ds.Nearby) > 0 {
		delete(params, "lat")
		delete(params, "lon")
		delete(params, "distance_m")
	}

	resolved := query.ResolveParams(t.ds.Params, t.ds.Format, m)
	if err := query.ApplyParamRules(params, resolved); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Without metadata there is no column inventory; the engine validates
	// column references itself.
	var available map[string]struct{}
	if m != meta.None {
		available = m.ColumnSet()
	}

	filter, covered, err := s.filter.Build(params, resolved, available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	prefilter := query.Prune(m, params, resolved)
	if !covered && len(prefilter) == 0 {
		s.writeError(w, r, &query.ValidationError{
			Msg: "filter parameters reference columns not present in this source",
		})
		return
	}

	plan, err := query.BuildPlan(t.ds, m, filter, prefilter, planReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.sem.Release(1)

	eng, loc, err := s.openEngine(t.ds, loc, opts.engine)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer eng.Close()

	if err := eng.RegisterSource(ctx, plan.Relation, loc, t.ds.Format, prefilter, -1); err != nil {
		s.writeError(w, r, err)
		return
	}
	if plan.Search != nil {
		var sourceMod time.Time
		if m != meta.None {
			sourceMod = m.ModTime
		}
		if err := eng.InitSearch(ctx, plan.Relation, t.ds.Search, sourceMod); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	res, err := eng.Execute(ctx, plan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer res.Close()

	if opts.encoding == "csv" {
		err = writeCSVResult(w, res, opts.csvSeparator)
	} else {
		err = writeJSONResult(w, res)
	}
	if err != nil {
		// The response is already partially written; log and give up.
		s.logger.Error("failed writing response",
			slog.String("request_id", requestIDFrom(ctx)),
			slog.String("error", err.Error()))
	}
}

// engineName picks the engine serving a datasource: explicit request
// override, then configured preference, then the format default.
func (s *Server) engineName(ds *config.Datasource, override string) string {
	if override != "" {
		return override
	}
	if ds.Engine != "" {
		return ds.Engine
	}
	switch ds.Format {
	case config.FormatSQLite:
		return "sqlite"
	case config.FormatPostgres:
		return "postgres"
	default:
		return "duckdb"
	}
}

// openEngine builds the engine session for one request, localizing
// file-database sources first.
func (s *Server) openEngine(ds *config.Datasource, loc *source.Location, override string) (engine.Context, *source.Location, error) {
	name := s.engineName(ds, override)

	if ds.Format == config.FormatSQLite && loc.Path == "" {
		path, err := s.locator.EnsureLocal(loc, ds.Hash())
		if err != nil {
			return nil, nil, err
		}
		localized := *loc
		localized.Path = path
		loc = &localized
	}

	opts := engine.Options{
		Logger:   s.logger,
		CacheDir: s.cfg.Server.CacheDir,
	}
	if ds.Format == config.FormatPostgres {
		opts.DSN = loc.URI
	}

	eng, err := engine.New(name, opts)
	if err != nil {
		return nil, nil, err
	}
	return eng, loc, nil
}

type sqlRequest struct {
	SQL string `json:"sql"`
}

// handleSQL runs one read-only statement on the shared scratch database.
func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SQL) == "" {
		s.writeError(w, r, &query.ValidationError{Msg: `body must be {"sql": "..."}`})
		return
	}

	head := strings.ToLower(strings.Fields(strings.TrimSpace(req.SQL))[0])
	if head != "select" && head != "with" {
		s.writeError(w, r, &query.ValidationError{Msg: "only SELECT statements are allowed"})
		return
	}

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		s.writeError(w, r, err)
		return
	}
	defer s.sem.Release(1)

	res, err := sqlite.RunSQL(r.Context(), req.SQL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer res.Close()

	if err := writeJSONResult(w, res); err != nil {
		s.logger.Error("failed writing response",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("error", err.Error()))
	}
}
