package oid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTemporary(t *testing.T) {
	id := NewTemporary("Employee")

	assert.True(t, id.IsTemporary())
	assert.Equal(t, "Employee", id.Kind())
	assert.Empty(t, id.Store())
	assert.Contains(t, id.String(), "x-datakit-tmp://Employee/")
	assert.NotEqual(t, id, NewTemporary("Employee"), "temporary ids must be unique")
}

func TestNewPermanent(t *testing.T) {
	id := NewPermanent("store1", "Car")

	assert.False(t, id.IsTemporary())
	assert.Equal(t, "store1", id.Store())
	assert.Equal(t, "Car", id.Kind())
	assert.Len(t, id.Key(), 36)
}

func TestParse_RoundTrip(t *testing.T) {
	for _, id := range []ID{NewTemporary("Employee"), NewPermanent("abc", "Salary")} {
		parsed, err := Parse(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestParse_Errors(t *testing.T) {
	bad := []string{
		"",
		"http://x/y",
		"x-datakit://store/Kind",
		"x-datakit:///Kind/key",
		"x-datakit-tmp://Kind",
		"x-datakit-tmp://Kind/key/extra",
	}
	for _, s := range bad {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("nope") })
}

func TestZero(t *testing.T) {
	var id ID
	assert.True(t, id.IsZero())
	assert.Equal(t, "", id.String())
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		ID ID `json:"id"`
	}
	in := wrapper{ID: Permanent("s", "Car", "k1")}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x-datakit://s/Car/k1"}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestNewStoreIdentifier(t *testing.T) {
	a, b := NewStoreIdentifier(), NewStoreIdentifier()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "/")
}
