// Package server exposes configured datasources over HTTP. Handlers stay
// thin: they parse a request into a plan, hand it to an engine session,
// and encode the result.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/meta"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/schema"
	"github.com/leapstack-labs/leapserve/internal/source"
)

// table is the startup-resolved state of one datasource.
type table struct {
	ds  *config.Datasource
	loc *source.Location

	// Descriptors are computed once at startup from whatever metadata was
	// readable then; the live query path refreshes metadata per request.
	paramModel    schema.ParamDescriptor
	responseModel schema.ResponseDescriptor
}

// Server routes datasource queries to execution engines.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	locator *source.Locator
	meta    *meta.Store
	filter  *query.FilterBuilder
	sem     *semaphore.Weighted

	tables map[string]*table
	order  []string
}

// New resolves every configured datasource and prepares its request and
// response models. A source whose metadata cannot be read yet still
// registers; its models degrade to untyped passthrough.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := meta.NewStore(256, logger)
	if err != nil {
		return nil, fmt.Errorf("creating metadata store: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		locator: source.NewLocator(cfg.Server.BaseDir, cfg.Server.CacheDir, cfg.AccountMap(), logger),
		meta:    store,
		filter:  query.NewFilterBuilder(logger),
		sem:     semaphore.NewWeighted(cfg.Server.MaxConcurrentQueries),
		tables:  make(map[string]*table),
	}

	for i := range cfg.Datasources {
		ds := &cfg.Datasources[i]
		loc, err := s.locator.Resolve(ds.URI, ds.Account, false)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("resolving datasource %s: %w", ds.Name, err)
		}

		m, err := store.Get(context.Background(), ds, loc)
		if err != nil {
			logger.Warn("datasource metadata unavailable at startup",
				slog.String("datasource", ds.Name),
				slog.String("error", err.Error()))
			m = meta.None
		}

		resolved := query.ResolveParams(ds.Params, ds.Format, m)
		s.tables[ds.Name] = &table{
			ds:            ds,
			loc:           loc,
			paramModel:    schema.ParamModel(resolved, m),
			responseModel: schema.ResponseModel(m),
		}
		s.order = append(s.order, ds.Name)
	}
	return s, nil
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewMux()
	r.Use(
		s.requestID,
		middleware.Recoverer,
		middleware.Compress(5),
	)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/tables", s.handleTables)
	r.Post("/v1/sql", s.handleSQL)
	r.Route("/v1/{table}", func(r chi.Router) {
		r.Get("/", s.handleQuery)
		r.Post("/", s.handleQuery)
		r.Get("/schema", s.handleSchema)
	})
	return r
}

// Serve starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting server", slog.String("addr", s.cfg.Server.Addr))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Router(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down server...")
		return srv.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	s.meta.Close()
	return err
}

type ctxKey int

const requestIDKey ctxKey = 0

// requestID tags every request with a UUID carried in logs and responses.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
