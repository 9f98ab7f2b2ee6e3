// Package catalog opens the metadata store that backs a plateflow host. The
// host string doubles as the connection address:
//
//	memory://<name>             process-local catalog shared by name
//	sqlite:///path/to/file.db   embedded SQLite file
//	postgres://user@host/db     PostgreSQL server (TLS required)
//
// A bare path without a scheme is treated as a SQLite file.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"plateflow/internal/infra/catalog/memory"
	"plateflow/internal/infra/catalog/postgres"
	"plateflow/internal/infra/catalog/sqlite"
	"plateflow/pkg/domain"
)

// Driver identifies a catalog backend.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-process only (tests, dry runs)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

var (
	// ErrUnsupportedScheme is returned for hosts that name no known backend.
	ErrUnsupportedScheme = errors.New("catalog: unsupported host scheme")
	// ErrInsecureChannel is returned when a network host would be reached
	// without TLS and insecure connections were not allowed.
	ErrInsecureChannel = errors.New("catalog: insecure channel refused")
)

var secureSSLModes = map[string]bool{"require": true, "verify-ca": true, "verify-full": true}

// Target is a parsed host.
type Target struct {
	Driver   Driver
	Location string // memory name, sqlite path or postgres DSN
}

// ParseHost resolves host into a backend target. Postgres DSNs without an
// sslmode get sslmode=require; weaker modes are refused unless allowInsecure.
func ParseHost(host string, allowInsecure bool) (Target, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Target{}, fmt.Errorf("%w: empty host", ErrUnsupportedScheme)
	}
	if !strings.Contains(host, "://") {
		return Target{Driver: DriverSQLite, Location: host}, nil
	}
	u, err := url.Parse(host)
	if err != nil {
		return Target{}, fmt.Errorf("parse host %q: %w", host, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		name := u.Host + u.Path
		if name == "" {
			name = "default"
		}
		return Target{Driver: DriverMemory, Location: name}, nil
	case "sqlite", "file":
		path := u.Path
		if u.Host != "" {
			// sqlite://relative/path.db
			path = u.Host + u.Path
		}
		if path == "" {
			return Target{}, fmt.Errorf("sqlite host %q has no path", host)
		}
		return Target{Driver: DriverSQLite, Location: path}, nil
	case "postgres", "postgresql":
		q := u.Query()
		mode := q.Get("sslmode")
		if mode == "" {
			q.Set("sslmode", "require")
			u.RawQuery = q.Encode()
		} else if !secureSSLModes[mode] && !allowInsecure {
			return Target{}, fmt.Errorf("%w: sslmode=%s", ErrInsecureChannel, mode)
		}
		return Target{Driver: DriverPostgres, Location: u.String()}, nil
	default:
		return Target{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// Open parses host and opens the matching backend.
func Open(ctx context.Context, host string, allowInsecure bool) (domain.PersistentStore, error) {
	target, err := ParseHost(host, allowInsecure)
	if err != nil {
		return nil, err
	}
	switch target.Driver {
	case DriverMemory:
		return Memory(target.Location), nil
	case DriverSQLite:
		return sqlite.NewStore(target.Location)
	case DriverPostgres:
		return postgres.NewStore(ctx, target.Location)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, target.Driver)
	}
}

var (
	memoryMu     sync.Mutex
	memoryStores = map[string]*memory.Store{}
)

// Memory returns the process-wide in-memory catalog registered under name,
// creating it on first use. Closing it is a no-op so sessions may share it.
func Memory(name string) *memory.Store {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	store, ok := memoryStores[name]
	if !ok {
		store = memory.NewStore()
		memoryStores[name] = store
	}
	return store
}

// ResetMemory drops the named in-memory catalog.
func ResetMemory(name string) {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	delete(memoryStores, name)
}
