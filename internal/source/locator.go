// Package source resolves logical datasource references into fully
// qualified locations plus the credential options an execution engine
// needs to reach them.
package source

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leapserve/internal/config"
)

// NotFoundError is returned when a resolved location does not exist and
// the caller required existence.
type NotFoundError struct {
	URI string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("source not found: %s", e.URI)
}

// Location is a resolved, backend-agnostic source location.
type Location struct {
	// URI is the normalized location string handed to engines.
	URI string

	// Path is the local filesystem path, empty for remote objects.
	Path string

	// Scheme is the normalized URI scheme ("file", "abfss", "s3", "postgres").
	Scheme string

	// Options carries credential and connector settings for the target
	// engine (account keys, endpoints). Never logged.
	Options map[string]string
}

// Remote reports whether the location lives on an object store or a
// network database rather than the local filesystem.
func (l *Location) Remote() bool {
	return l.Scheme != "file"
}

// Locator resolves datasource URIs. Resolution is pure given its inputs;
// results are cached so repeated resolution of the same input returns the
// identical Location pointer.
type Locator struct {
	baseDir  string
	cacheDir string
	accounts map[string]config.StorageAccount
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*Location
}

// NewLocator creates a Locator. If logger is nil, a discard logger is used.
func NewLocator(baseDir, cacheDir string, accounts map[string]config.StorageAccount, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Locator{
		baseDir:  baseDir,
		cacheDir: cacheDir,
		accounts: accounts,
		logger:   logger,
		cache:    make(map[string]*Location),
	}
}

// Resolve turns a raw URI and optional account name into a Location.
// When requireExists is set and the location is local, a missing path
// yields *NotFoundError.
func (l *Locator) Resolve(rawURI, account string, requireExists bool) (*Location, error) {
	key := rawURI + "\x00" + account

	l.mu.Lock()
	if loc, ok := l.cache[key]; ok {
		l.mu.Unlock()
		if requireExists && !loc.Remote() {
			if _, err := os.Stat(loc.Path); err != nil {
				return nil, &NotFoundError{URI: rawURI}
			}
		}
		return loc, nil
	}
	l.mu.Unlock()

	loc, err := l.resolve(rawURI, account)
	if err != nil {
		return nil, err
	}
	if requireExists && !loc.Remote() {
		if _, err := os.Stat(loc.Path); err != nil {
			return nil, &NotFoundError{URI: rawURI}
		}
	}

	l.mu.Lock()
	// Another caller may have resolved the same key concurrently; keep
	// the first entry so pointers stay stable.
	if cached, ok := l.cache[key]; ok {
		loc = cached
	} else {
		l.cache[key] = loc
	}
	l.mu.Unlock()

	return loc, nil
}

func (l *Locator) resolve(rawURI, account string) (*Location, error) {
	switch {
	case strings.HasPrefix(rawURI, "abfss://"), strings.HasPrefix(rawURI, "az://"):
		return l.resolveCloud(rawURI, account, "abfss")
	case strings.HasPrefix(rawURI, "s3://"):
		return l.resolveCloud(rawURI, account, "s3")
	case strings.HasPrefix(rawURI, "https://"):
		return l.resolveHTTPS(rawURI, account)
	case strings.HasPrefix(rawURI, "postgres://"), strings.HasPrefix(rawURI, "postgresql://"):
		return &Location{URI: rawURI, Scheme: "postgres", Options: map[string]string{}}, nil
	default:
		return l.resolveLocal(rawURI)
	}
}

func (l *Locator) resolveLocal(rawURI string) (*Location, error) {
	path := strings.TrimPrefix(rawURI, "file://")
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.baseDir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %q: %w", rawURI, err)
	}
	return &Location{URI: abs, Path: abs, Scheme: "file", Options: map[string]string{}}, nil
}

func (l *Locator) resolveCloud(rawURI, account, scheme string) (*Location, error) {
	loc := &Location{URI: rawURI, Scheme: scheme, Options: map[string]string{}}
	if account == "" {
		return loc, nil
	}
	acct, ok := l.accounts[account]
	if !ok {
		return nil, fmt.Errorf("unknown storage account %q for %s", account, rawURI)
	}
	applyAccount(loc, acct)
	return loc, nil
}

// resolveHTTPS recognizes Azure blob HTTPS URLs and rewrites them to the
// abfss form engines can scan directly.
func (l *Locator) resolveHTTPS(rawURI, account string) (*Location, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI %q: %w", rawURI, err)
	}
	host := u.Hostname()
	if idx := strings.Index(host, ".blob.core.windows.net"); idx > 0 {
		acctName := host[:idx]
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		container := parts[0]
		rest := ""
		if len(parts) == 2 {
			rest = parts[1]
		}
		normalized := fmt.Sprintf("abfss://%s@%s.dfs.core.windows.net/%s", container, acctName, rest)
		return l.resolveCloud(normalized, account, "abfss")
	}
	return &Location{URI: rawURI, Scheme: "https", Options: map[string]string{}}, nil
}

func applyAccount(loc *Location, acct config.StorageAccount) {
	switch acct.Kind {
	case "s3":
		loc.Options["s3_key_id"] = acct.AccountName
		loc.Options["s3_secret"] = acct.Key
		if acct.Endpoint != "" {
			loc.Options["s3_endpoint"] = acct.Endpoint
		}
	default:
		loc.Options["azure_account_name"] = acct.AccountName
		loc.Options["azure_account_key"] = acct.Key
	}
}

// EnsureLocal copies a source file into the local cache when the format
// requires local materialization (SQLite files are opened, not scanned).
// Local files are copied, https sources downloaded; object-store schemes
// carry engine-side credentials and cannot be fetched here. The copy is
// written to a temporary name and renamed into place so concurrent
// callers never observe a partial file.
func (l *Locator) EnsureLocal(loc *Location, hash string) (string, error) {
	dst := filepath.Join(l.cacheDir, hash+filepath.Ext(loc.Path))
	if loc.Path == "" {
		dst = filepath.Join(l.cacheDir, hash+filepath.Ext(loc.URI))
	}
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	src, err := l.openSource(loc)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	tmp := dst + "." + uuid.NewString() + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to copy source to cache: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finish cache file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to publish cache file: %w", err)
	}

	l.logger.Debug("localized source", slog.String("uri", loc.URI), slog.String("path", dst))
	return dst, nil
}

func (l *Locator) openSource(loc *Location) (io.ReadCloser, error) {
	switch {
	case loc.Path != "":
		src, err := os.Open(loc.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &NotFoundError{URI: loc.URI}
			}
			return nil, fmt.Errorf("failed to open source: %w", err)
		}
		return src, nil
	case loc.Scheme == "https":
		resp, err := http.Get(loc.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to download source: %w", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			_ = resp.Body.Close()
			return nil, &NotFoundError{URI: loc.URI}
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("failed to download source: status %d", resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("cannot localize %s source %s; object stores are scanned in place", loc.Scheme, loc.URI)
	}
}
