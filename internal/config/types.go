// Package config provides configuration types for LeapServe.
// It covers the server settings, storage account credentials, and the
// per-datasource descriptors that drive query translation.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Format identifies the physical storage format of a datasource.
type Format string

const (
	FormatParquet  Format = "parquet"
	FormatDelta    Format = "delta"
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
	FormatSQLite   Format = "sqlite"
	FormatPostgres Format = "postgres"
)

// knownFormats is the closed set of formats the gateway understands.
var knownFormats = map[Format]struct{}{
	FormatParquet:  {},
	FormatDelta:    {},
	FormatCSV:      {},
	FormatJSON:     {},
	FormatSQLite:   {},
	FormatPostgres: {},
}

// PartitionCapable reports whether the format carries partition metadata
// that implicit parameters and partition pruning can use.
func (f Format) PartitionCapable() bool {
	return f == FormatDelta || f == FormatParquet
}

// FileTypeError is returned when a datasource references an unknown or
// protocol-incompatible storage format.
type FileTypeError struct {
	Format string
}

func (e *FileTypeError) Error() string {
	return fmt.Sprintf("unsupported file type %q", e.Format)
}

// ServerConfig holds HTTP server and process-level settings.
type ServerConfig struct {
	Addr     string `koanf:"addr"`
	BaseDir  string `koanf:"base_dir"`
	CacheDir string `koanf:"cache_dir"`
	LogLevel string `koanf:"log_level"`

	// MaxConcurrentQueries bounds in-flight engine executions.
	MaxConcurrentQueries int64 `koanf:"max_concurrent_queries"`
}

// StorageAccount holds credentials for one cloud storage account.
type StorageAccount struct {
	Name        string `koanf:"name"`
	Kind        string `koanf:"kind"` // "azure" or "s3"
	AccountName string `koanf:"account_name"`
	Key         string `koanf:"key"`
	Endpoint    string `koanf:"endpoint"`
}

// SelectColumn is one entry of a fixed projection.
type SelectColumn struct {
	Name  string `koanf:"name"`
	Alias string `koanf:"alias"`
}

// OrderColumn is one entry of a static sort specification.
type OrderColumn struct {
	Name string `koanf:"name"`
	Desc bool   `koanf:"desc"`
}

// SearchConfig declares a free-text relevance search over a set of columns.
type SearchConfig struct {
	Columns    []string `koanf:"columns"`
	MinLength  int      `koanf:"min_length"`
	ScoreAlias string   `koanf:"score_alias"`
}

// NearbyConfig declares a geospatial proximity filter over a lat/lon pair.
type NearbyConfig struct {
	LatColumn string `koanf:"lat_column"`
	LonColumn string `koanf:"lon_column"`
	Alias     string `koanf:"alias"`
}

// Datasource describes one exposed table. Parsed once at startup and
// immutable thereafter; Hash() is its cache and dedup key.
type Datasource struct {
	Name    string `koanf:"name"`
	URI     string `koanf:"uri"`
	Account string `koanf:"account"`
	Format  Format `koanf:"format"`

	// Table overrides the relation name bound in the engine. Defaults to Name.
	Table string `koanf:"table"`

	Select  []SelectColumn `koanf:"select"`
	Exclude []string       `koanf:"exclude"`
	OrderBy []OrderColumn  `koanf:"order_by"`

	// AllowAllPages permits limit=-1 to return the full result set.
	AllowAllPages bool `koanf:"allow_all_pages"`

	// Engine names the preferred execution engine. Empty picks by format.
	Engine string `koanf:"engine"`

	Params []Param        `koanf:"params"`
	Search *SearchConfig  `koanf:"search"`
	Nearby []NearbyConfig `koanf:"nearby"`
}

// RelationName returns the name the datasource binds to inside an engine.
func (d *Datasource) RelationName() string {
	if d.Table != "" {
		return d.Table
	}
	return d.Name
}

// Hash returns a content hash of the datasource descriptor. Two descriptors
// with equal hashes are interchangeable for caching purposes.
func (d *Datasource) Hash() string {
	b, err := json.Marshal(d)
	if err != nil {
		// A struct of strings and bools cannot fail to marshal; keep Hash
		// total anyway.
		return d.Name
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig     `koanf:"server"`
	Accounts    []StorageAccount `koanf:"accounts"`
	Datasources []Datasource     `koanf:"datasources"`
}

// AccountMap indexes storage accounts by name.
func (c *Config) AccountMap() map[string]StorageAccount {
	m := make(map[string]StorageAccount, len(c.Accounts))
	for _, a := range c.Accounts {
		m[a.Name] = a
	}
	return m
}

// ApplyDefaults fills in unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BaseDir == "" {
		c.Server.BaseDir = "."
	}
	if c.Server.CacheDir == "" {
		c.Server.CacheDir = ".leapserve-cache"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MaxConcurrentQueries <= 0 {
		c.Server.MaxConcurrentQueries = 8
	}
	for i := range c.Datasources {
		c.Datasources[i].applyDefaults()
	}
}

func (d *Datasource) applyDefaults() {
	if d.Search != nil {
		if d.Search.MinLength <= 0 {
			d.Search.MinLength = 3
		}
		if d.Search.ScoreAlias == "" {
			d.Search.ScoreAlias = "search_score"
		}
	}
	for i := range d.Nearby {
		if d.Nearby[i].Alias == "" {
			d.Nearby[i].Alias = "distance_m"
		}
	}
	for i := range d.Params {
		if d.Params[i].Column == "" {
			d.Params[i].Column = d.Params[i].Name
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Datasources))
	accounts := c.AccountMap()
	for i := range c.Datasources {
		d := &c.Datasources[i]
		if d.Name == "" {
			return fmt.Errorf("datasource %d: name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("datasource %q declared twice", d.Name)
		}
		seen[d.Name] = struct{}{}
		if _, ok := knownFormats[d.Format]; !ok {
			return &FileTypeError{Format: string(d.Format)}
		}
		if d.Account != "" {
			if _, ok := accounts[d.Account]; !ok {
				return fmt.Errorf("datasource %q: unknown storage account %q", d.Name, d.Account)
			}
		}
		if err := d.validate(); err != nil {
			return fmt.Errorf("datasource %q: %w", d.Name, err)
		}
	}
	return nil
}

func (d *Datasource) validate() error {
	for i := range d.Params {
		p := &d.Params[i]
		if p.Name == "" {
			return fmt.Errorf("param %d: name is required", i)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("param %q: %w", p.Name, err)
		}
	}
	if d.Search != nil && len(d.Search.Columns) == 0 {
		return fmt.Errorf("search: at least one column is required")
	}
	for _, n := range d.Nearby {
		if n.LatColumn == "" || n.LonColumn == "" {
			return fmt.Errorf("nearby: lat_column and lon_column are required")
		}
	}
	return nil
}

// ParseFormat converts a raw string into a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownFormats[f]; !ok {
		return "", &FileTypeError{Format: s}
	}
	return f, nil
}
