package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
	}{
		{"memory:", Location{Driver: DriverMemory}},
		{"memory://scratch", Location{Driver: DriverMemory, Target: "scratch"}},
		{"sqlite:///tmp/a.sqlite", Location{Driver: DriverSQLite, Target: "/tmp/a.sqlite"}},
		{"/var/lib/app.sqlite", Location{Driver: DriverSQLite, Target: "/var/lib/app.sqlite"}},
		{"postgres://u:p@db/app", Location{Driver: DriverPostgres, Target: "postgres://u:p@db/app"}},
		{"postgresql://db/app", Location{Driver: DriverPostgres, Target: "postgresql://db/app"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "sqlite://", "mysql://db"} {
		_, err := ParseLocation(bad)
		assert.Error(t, err, bad)
	}
}

func TestLocation_StringRedactsPassword(t *testing.T) {
	loc := Location{Driver: DriverPostgres, Target: "postgres://app:secret@db:5432/app?sslmode=disable"}
	assert.Equal(t, "postgres://app:xxxxx@db:5432/app?sslmode=disable", loc.String())

	assert.Equal(t, "memory:", Location{Driver: DriverMemory}.String())
	assert.Equal(t, "sqlite://x.sqlite", Location{Driver: DriverSQLite, Target: "x.sqlite"}.String())
}

func TestStoreURL(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	url, err := StoreURL(dir, "Example")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Example.sqlite"), url)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = StoreURL(dir, "  ")
	assert.ErrorIs(t, err, ErrEmptyStoreName)
}
