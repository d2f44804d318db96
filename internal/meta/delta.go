package meta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

const deltaLogDir = "_delta_log"

// deltaCommit is the outcome of scanning one transaction-log segment:
// the latest metaData action seen, if any.
type deltaCommit struct {
	schemaString     string
	partitionColumns []string
	found            bool
}

// loadDelta reads a Delta table's schema and partition columns from its
// transaction log. It prefers the checkpoint referenced by _last_checkpoint
// and replays the JSON commits above it.
func (l *Loader) loadDelta(ctx context.Context, path string) (*Metadata, error) {
	logDir := filepath.Join(path, deltaLogDir)
	if _, err := os.Stat(logDir); err != nil {
		return nil, fmt.Errorf("not a delta table (missing %s): %w", deltaLogDir, err)
	}

	cpVersion := int64(-1)
	var schemaString string
	var partitionColumns []string

	if v, ok := l.readLastCheckpoint(logDir); ok {
		cpPath := filepath.Join(logDir, fmt.Sprintf("%020d.checkpoint.parquet", v))
		ss, pc, err := readCheckpointMeta(cpPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %d: %w", v, err)
		}
		cpVersion = v
		schemaString = ss
		partitionColumns = pc
	}

	versions, err := listCommitVersions(logDir)
	if err != nil {
		return nil, err
	}

	latest := cpVersion
	var modTime time.Time
	for _, v := range versions {
		if v <= cpVersion {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		commitPath := filepath.Join(logDir, commitFileName(v))
		commit, mt, err := readCommitFile(commitPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read commit %d: %w", v, err)
		}
		if commit.found {
			schemaString = commit.schemaString
			partitionColumns = commit.partitionColumns
		}
		latest = v
		modTime = mt
	}

	if schemaString == "" {
		return nil, fmt.Errorf("no metaData action in delta log at %s", path)
	}

	fields, err := parseSchemaString(schemaString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse delta schema: %w", err)
	}

	if modTime.IsZero() {
		if st, err := os.Stat(logDir); err == nil {
			modTime = st.ModTime()
		}
	}

	return &Metadata{
		Fields:           fields,
		PartitionColumns: partitionColumns,
		Version:          latest,
		ModTime:          modTime,
		location:         path,
	}, nil
}

// refreshDelta incrementally applies commits above prev.Version. Any
// failure on the incremental path falls back to a full reload; the prior
// snapshot is never mutated.
func (l *Loader) refreshDelta(ctx context.Context, prev *Metadata) (*Metadata, error) {
	next, err := l.refreshDeltaIncremental(ctx, prev)
	if err == nil {
		return next, nil
	}
	l.logger.Warn("incremental delta refresh failed, falling back to full reload",
		"location", prev.location, "error", err)
	return l.loadDelta(ctx, prev.location)
}

func (l *Loader) refreshDeltaIncremental(ctx context.Context, prev *Metadata) (*Metadata, error) {
	logDir := filepath.Join(prev.location, deltaLogDir)
	versions, err := listCommitVersions(logDir)
	if err != nil {
		return nil, err
	}

	next := &Metadata{
		Fields:           prev.Fields,
		PartitionColumns: prev.PartitionColumns,
		Version:          prev.Version,
		ModTime:          prev.ModTime,
		location:         prev.location,
	}

	for _, v := range versions {
		if v <= prev.Version {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		commit, mt, err := readCommitFile(filepath.Join(logDir, commitFileName(v)))
		if err != nil {
			return nil, err
		}
		if commit.found {
			fields, err := parseSchemaString(commit.schemaString)
			if err != nil {
				return nil, err
			}
			next.Fields = fields
			next.PartitionColumns = commit.partitionColumns
		}
		next.Version = v
		next.ModTime = mt
	}

	return next, nil
}

func commitFileName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

func listCommitVersions(logDir string) ([]int64, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list delta log: %w", err)
	}
	var versions []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.Contains(name, "checkpoint") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// readLastCheckpoint parses _delta_log/_last_checkpoint. A missing or
// malformed file is not an error; commits are replayed from version 0.
func (l *Loader) readLastCheckpoint(logDir string) (int64, bool) {
	data, err := os.ReadFile(filepath.Join(logDir, "_last_checkpoint"))
	if err != nil {
		return 0, false
	}
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		l.logger.Warn("malformed _last_checkpoint, replaying full log", "error", err)
		return 0, false
	}
	return v.GetInt64("version"), true
}

// readCommitFile scans one commit file for a metaData action. Commit files
// are newline-delimited JSON actions.
func readCommitFile(path string) (deltaCommit, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return deltaCommit{}, time.Time{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return deltaCommit{}, time.Time{}, err
	}

	var out deltaCommit
	var p fastjson.Parser
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := p.Parse(line)
		if err != nil {
			return deltaCommit{}, time.Time{}, fmt.Errorf("malformed action in %s: %w", filepath.Base(path), err)
		}
		md := v.Get("metaData")
		if md == nil {
			continue
		}
		out.found = true
		out.schemaString = string(md.GetStringBytes("schemaString"))
		out.partitionColumns = out.partitionColumns[:0]
		for _, pc := range md.GetArray("partitionColumns") {
			out.partitionColumns = append(out.partitionColumns, string(pc.GetStringBytes()))
		}
	}
	return out, st.ModTime(), nil
}

// parseSchemaString converts a Delta schemaString (Spark schema JSON) into
// the Type tree.
func parseSchemaString(schemaString string) ([]Field, error) {
	root, err := fastjson.Parse(schemaString)
	if err != nil {
		return nil, err
	}
	if typ := string(root.GetStringBytes("type")); typ != "struct" {
		return nil, fmt.Errorf("expected struct root, got %q", typ)
	}
	return parseStructFields(root)
}

func parseStructFields(v *fastjson.Value) ([]Field, error) {
	var fields []Field
	for _, fv := range v.GetArray("fields") {
		name := string(fv.GetStringBytes("name"))
		t, err := parseSchemaType(fv.Get("type"))
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields = append(fields, Field{
			Name:     name,
			Type:     t,
			Nullable: fv.GetBool("nullable"),
		})
	}
	return fields, nil
}

func parseSchemaType(v *fastjson.Value) (Type, error) {
	if v == nil {
		return Type{}, fmt.Errorf("missing type")
	}
	if v.Type() == fastjson.TypeString {
		return Type{Kind: KindPrimitive, Primitive: string(v.GetStringBytes())}, nil
	}

	switch kind := string(v.GetStringBytes("type")); kind {
	case "struct":
		fields, err := parseStructFields(v)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindStruct, Fields: fields}, nil
	case "array":
		elem, err := parseSchemaType(v.Get("elementType"))
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindList, Element: &elem}, nil
	case "map":
		key, err := parseSchemaType(v.Get("keyType"))
		if err != nil {
			return Type{}, err
		}
		val, err := parseSchemaType(v.Get("valueType"))
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: KindMap, Key: &key, Value: &val}, nil
	default:
		return Type{}, fmt.Errorf("unsupported type %q", kind)
	}
}
