package cache

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_ExcludesAPIKey(t *testing.T) {
	params1 := url.Values{"collection": {"CREC"}, "api_key": {"secret-a"}}
	params2 := url.Values{"collection": {"CREC"}, "api_key": {"secret-b"}}

	k1 := Key("https://api.govinfo.gov/published/2023-01-01/2023-12-31", params1)
	k2 := Key("https://api.govinfo.gov/published/2023-01-01/2023-12-31", params2)
	assert.Equal(t, k1, k2)

	// The input map is not mutated.
	assert.Equal(t, "secret-a", params1.Get("api_key"))
}

func TestKey_DistinguishesParams(t *testing.T) {
	base := "https://api.govinfo.gov/packages/CREC-2023-05-17/granules"
	k1 := Key(base, url.Values{"offset": {"0"}})
	k2 := Key(base, url.Values{"offset": {"100"}})
	assert.NotEqual(t, k1, k2)
}

func TestMemoryCache_Roundtrip(t *testing.T) {
	c := NewMemoryCache(time.Minute, time.Minute)
	require.NoError(t, c.Set("k", []byte("v"), 0))

	got, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete("k"))
	_, found = c.Get("k")
	assert.False(t, found)
}

func TestDiskCache_RoundtripAndExpiry(t *testing.T) {
	c := NewDiskCache(t.TempDir(), time.Minute)
	require.NoError(t, c.Set("k", []byte("page body"), 0))

	got, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, []byte("page body"), got)

	// Already-expired entry is dropped on read.
	require.NoError(t, c.Set("stale", []byte("old"), -time.Second))
	_, found = c.Get("stale")
	assert.False(t, found)
}

func TestLayeredCache_PromotesDiskHits(t *testing.T) {
	dir := t.TempDir()
	c := NewLayeredCache(time.Minute, dir, time.Hour)
	require.NoError(t, c.Set("k", []byte("v"), 0))

	// A fresh layered cache over the same directory sees only the disk copy.
	c2 := NewLayeredCache(time.Minute, dir, time.Hour)
	got, found := c2.Get("k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)

	// Promoted to memory: survives removing the disk layer's file.
	require.NoError(t, NewDiskCache(dir, time.Hour).Delete("k"))
	got, found = c2.Get("k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)
}
