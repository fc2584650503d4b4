package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	table, err := Parse([]byte(`
default_weight: 0.10
sources:
  BMKG:
    category: official
    weight: 0.95
  twitter:
    category: social_media
    weight: 0.20
`))
	require.NoError(t, err)

	assert.InDelta(t, 0.95, table.Weight("bmkg"), 1e-9)
	assert.Equal(t, CategoryOfficial, table.Category("bmkg"))
	assert.True(t, table.IsOfficial("bmkg"))
	assert.False(t, table.IsOfficial("twitter"))
}

func TestLookup_CaseInsensitive(t *testing.T) {
	table := Default()

	assert.InDelta(t, table.Weight("bmkg"), table.Weight("BMKG"), 1e-9)
	assert.InDelta(t, table.Weight("bmkg"), table.Weight("  Bmkg "), 1e-9)
	assert.True(t, table.IsOfficial("BMKG"))
}

func TestUnknownSource_ConservativeDefault(t *testing.T) {
	table := Default()

	unknown := table.Weight("definitely-not-a-source")
	assert.InDelta(t, table.DefaultWeight, unknown, 1e-9)
	assert.Equal(t, CategoryUnknown, table.Category("definitely-not-a-source"))
	assert.False(t, table.IsOfficial("definitely-not-a-source"))

	// Monotonicity: unknown sources weigh strictly less than every
	// catalogued source.
	for name := range table.Sources {
		assert.Greater(t, table.Weight(name), unknown, "source %s", name)
	}
}

func TestParse_RejectsWeightBelowDefault(t *testing.T) {
	_, err := Parse([]byte(`
default_weight: 0.30
sources:
  twitter:
    category: social_media
    weight: 0.20
`))
	require.Error(t, err)
}

func TestParse_RejectsUnknownCategory(t *testing.T) {
	_, err := Parse([]byte(`
default_weight: 0.10
sources:
  carrier_pigeon:
    category: avian
    weight: 0.50
`))
	require.Error(t, err)
}

func TestParse_RejectsEmptyTable(t *testing.T) {
	_, err := Parse([]byte(`default_weight: 0.10`))
	require.Error(t, err)
}
