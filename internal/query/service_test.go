package query

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProRata(t *testing.T) {
	r, err := proRata(3, "0xabc", "1", "3", "100", "50")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), r.Bucket)
	assert.Equal(t, "0.333333333333333333", r.Share)
	assert.Equal(t, "33", r.ProRataOwed, "shares round down")
	assert.Equal(t, "16", r.ProRataPending)
}

func TestProRata_EmptyBucket(t *testing.T) {
	r, err := proRata(0, "0xabc", "0", "0", "0", "0")
	require.NoError(t, err)
	assert.Equal(t, "0", r.Share)
	assert.Equal(t, "0", r.ProRataOwed)
}

func TestProRata_LargeAmounts(t *testing.T) {
	// 2^200 split in half
	big := "1606938044258990275541962092341162602522202993782792835301376"
	half := "803469022129495137770981046170581301261101496891396417650688"
	r, err := proRata(1, "0xabc", half, big, big, "0")
	require.NoError(t, err)
	assert.Equal(t, "0.5", r.Share)
	assert.Equal(t, half, r.ProRataOwed)
}

func TestProRata_RejectsGarbage(t *testing.T) {
	_, err := proRata(1, "0xabc", "NaN?", "1", "1", "1")
	require.Error(t, err)
}

func TestRatio(t *testing.T) {
	assert.True(t, ratio(decimal.NewFromInt(1), decimal.Zero).IsZero())
	assert.Equal(t, "0.25", ratio(decimal.NewFromInt(1), decimal.NewFromInt(4)).String())
}
