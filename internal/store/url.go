package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Driver names a backing store implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Location is a parsed store URL.
type Location struct {
	Driver Driver
	// Target is the database path (sqlite), the DSN (postgres) or a label (memory).
	Target string
}

// ErrEmptyStoreName is returned by StoreURL for an empty name.
var ErrEmptyStoreName = errors.New("store name must not be empty")

// ParseLocation interprets a store URL:
//
//	memory:               in-memory store
//	memory://label        in-memory store with a label
//	sqlite:///abs/path    SQLite database
//	postgres://...        Postgres DSN (postgresql:// also accepted)
//	/any/other/path       SQLite database
func ParseLocation(url string) (Location, error) {
	switch {
	case url == "":
		return Location{}, fmt.Errorf("store url must not be empty")
	case url == "memory:" || url == "memory":
		return Location{Driver: DriverMemory}, nil
	case strings.HasPrefix(url, "memory://"):
		return Location{Driver: DriverMemory, Target: strings.TrimPrefix(url, "memory://")}, nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return Location{}, fmt.Errorf("store url %q has no path", url)
		}
		return Location{Driver: DriverSQLite, Target: path}, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Location{Driver: DriverPostgres, Target: url}, nil
	case strings.Contains(url, "://"):
		return Location{}, fmt.Errorf("store url %q has an unsupported scheme", url)
	default:
		return Location{Driver: DriverSQLite, Target: url}, nil
	}
}

// String returns the URL form of the location. Postgres DSNs are returned
// with their password redacted.
func (l Location) String() string {
	switch l.Driver {
	case DriverMemory:
		if l.Target == "" {
			return "memory:"
		}
		return "memory://" + l.Target
	case DriverSQLite:
		return "sqlite://" + l.Target
	case DriverPostgres:
		return redactDSN(l.Target)
	}
	return l.Target
}

func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	userinfo := rest[:at]
	if user, _, hasPass := strings.Cut(userinfo, ":"); hasPass {
		return scheme + "://" + user + ":xxxxx" + rest[at:]
	}
	return dsn
}

// StoreURL builds the location of a named SQLite store. An empty dir means
// the user configuration directory. The directory is created if needed.
func StoreURL(dir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyStoreName
	}
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("store url: %w", err)
		}
		dir = filepath.Join(base, "datakit")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store url: %w", err)
	}
	return filepath.Join(dir, name+".sqlite"), nil
}
