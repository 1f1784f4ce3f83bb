package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("memory-only, Force-Refresh", "", "sync-disk-write")
	require.NoError(t, err)
	assert.True(t, opts.Has(MemoryOnly))
	assert.True(t, opts.Has(ForceRefresh))
	assert.True(t, opts.Has(SyncDiskWrite))
	assert.False(t, opts.Has(DisableCache))
	assert.Equal(t, "force-refresh,memory-only,sync-disk-write", opts.String())
}

func TestParseOptionsRejectsUnknown(t *testing.T) {
	_, err := ParseOptions("only-from-cache,turbo")
	assert.ErrorContains(t, err, "turbo")
}

func TestOptionNamesRoundTrip(t *testing.T) {
	for _, name := range OptionNames() {
		flag, err := ParseOption(name)
		require.NoError(t, err)
		assert.Equal(t, name, flag.String())
	}
}
