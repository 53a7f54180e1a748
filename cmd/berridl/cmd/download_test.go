package cmd

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/dedup"
)

func TestParseTimeWindow(t *testing.T) {
	tz := config.TimeZoneConfig{OffsetHours: 9}

	w, err := parseTimeWindow(nil, tz)
	require.NoError(t, err)
	assert.True(t, w.From.IsZero())
	assert.True(t, w.To.IsZero())

	w, err = parseTimeWindow([]string{"2025-11-01", "2025-11-30"}, tz)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 11, 1, 0, 0, 0, 0, tz.Location()), w.From)
	assert.Equal(t, time.Date(2025, 11, 30, 23, 59, 59, 0, tz.Location()), w.To,
		"date-only upper bound covers the whole day")

	_, err = parseTimeWindow([]string{"2025-11-01"}, tz)
	assert.Error(t, err, "one timestamp is not a range")

	_, err = parseTimeWindow([]string{"2025-11-30", "2025-11-01"}, tz)
	assert.Error(t, err, "inverted range")

	_, err = parseTimeWindow([]string{"soon", "later"}, tz)
	assert.Error(t, err)
}

func TestEffectiveCleanDL(t *testing.T) {
	newFlags := func(t *testing.T) *pflag.FlagSet {
		t.Helper()
		fs := pflag.NewFlagSet("download", pflag.ContinueOnError)
		fs.Bool("clean_dl", true, "")
		return fs
	}

	t.Run("config value survives an unset flag", func(t *testing.T) {
		fs := newFlags(t)
		assert.False(t, effectiveCleanDL(fs, true, false),
			"the flag default must not shadow a config-file false")
		assert.True(t, effectiveCleanDL(fs, true, true))
	})

	t.Run("explicit flag wins", func(t *testing.T) {
		fs := newFlags(t)
		require.NoError(t, fs.Set("clean_dl", "false"))
		assert.False(t, effectiveCleanDL(fs, false, true))
	})
}

func TestLedgerPolicyInvertsDuplicateFlags(t *testing.T) {
	on := true
	policy := ledgerPolicy(config.DuplicateConfig{
		Default:   false,
		Overrides: config.DuplicateOverrides{Image: &on},
	})

	assert.True(t, policy.Enabled(dedup.CategoryVideo), "duplicates disallowed means dedup on")
	assert.False(t, policy.Enabled(dedup.CategoryImage), "image override allows duplicates")
}

func TestFanclubFilter(t *testing.T) {
	downloadFlags.fanclub, downloadFlags.noFanclub = false, false
	assert.Equal(t, fanclubFilter().String(), "all")

	downloadFlags.fanclub = true
	assert.Equal(t, fanclubFilter().String(), "fanclub-only")
	downloadFlags.fanclub = false

	downloadFlags.noFanclub = true
	assert.Equal(t, fanclubFilter().String(), "no-fanclub")
	downloadFlags.noFanclub = false
}
