package meta

import (
	"context"
	"log/slog"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/source"
)

// Loader reads metadata snapshots from physical sources.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader. If logger is nil, a discard logger is used.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{logger: logger}
}

// Load reads the schema and partition columns of a source. Formats whose
// schema is only known to the engine at registration time (CSV, JSON,
// SQLite, Postgres) yield the None sentinel: callers use metadata
// opportunistically and fall back to engine-derived schemas.
func (l *Loader) Load(ctx context.Context, loc *source.Location, format config.Format) (*Metadata, error) {
	switch format {
	case config.FormatDelta:
		return l.loadDelta(ctx, loc.Path)
	case config.FormatParquet:
		if loc.Remote() {
			// Remote parquet is scanned by the engine; no local footer to read.
			return None, nil
		}
		return l.loadParquet(ctx, loc.Path)
	default:
		return None, nil
	}
}

// Refresh produces an up-to-date snapshot from an existing one. Delta
// tables refresh incrementally with a full-reload fallback; other formats
// reload from scratch.
func (l *Loader) Refresh(ctx context.Context, m *Metadata) (*Metadata, error) {
	if m == None {
		return None, nil
	}
	if m.Version >= 0 {
		return l.refreshDelta(ctx, m)
	}
	return l.loadParquet(ctx, m.location)
}
