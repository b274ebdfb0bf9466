package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowanceConsume(t *testing.T) {
	a := FiniteAllowance(2)

	a, ok := a.Consume()
	require.True(t, ok)
	assert.Equal(t, 1, a.Remaining())

	a, ok = a.Consume()
	require.True(t, ok)
	assert.Equal(t, 0, a.Remaining())
	assert.False(t, a.Available())

	a, ok = a.Consume()
	assert.False(t, ok)
	assert.Equal(t, 0, a.Remaining())
}

func TestAllowanceUnlimitedNeverRunsOut(t *testing.T) {
	a := UnlimitedAllowance()

	for i := 0; i < 1000; i++ {
		next, ok := a.Consume()
		require.True(t, ok)
		a = next
	}

	assert.True(t, a.IsUnlimited())
	assert.True(t, a.Available())
}

func TestFiniteAllowanceClampsNegative(t *testing.T) {
	a := FiniteAllowance(-5)

	assert.Equal(t, 0, a.Remaining())
	assert.False(t, a.Available())
}

func TestAllowanceValueEncodesSentinel(t *testing.T) {
	v, err := UnlimitedAllowance().Value()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	v, err = FiniteAllowance(7).Value()
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestAllowanceScan(t *testing.T) {
	tests := []struct {
		name          string
		value         any
		wantUnlimited bool
		wantRemaining int
	}{
		{name: "sentinel becomes unlimited", value: int64(-1), wantUnlimited: true},
		{name: "finite int64", value: int64(12), wantRemaining: 12},
		{name: "finite float64", value: float64(3), wantRemaining: 3},
		{name: "text column", value: []byte("5"), wantRemaining: 5},
		{name: "null is empty", value: nil, wantRemaining: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Allowance
			require.NoError(t, a.Scan(tt.value))
			assert.Equal(t, tt.wantUnlimited, a.IsUnlimited())
			if !tt.wantUnlimited {
				assert.Equal(t, tt.wantRemaining, a.Remaining())
			}
		})
	}
}

func TestAllowanceScanRejectsUnknownType(t *testing.T) {
	var a Allowance
	assert.Error(t, a.Scan(true))
}

func TestAllowanceJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(UnlimitedAllowance())
	require.NoError(t, err)
	assert.Equal(t, `"unlimited"`, string(data))

	data, err = json.Marshal(FiniteAllowance(4))
	require.NoError(t, err)
	assert.Equal(t, `4`, string(data))

	var a Allowance
	require.NoError(t, json.Unmarshal([]byte(`"unlimited"`), &a))
	assert.True(t, a.IsUnlimited())

	require.NoError(t, json.Unmarshal([]byte(`9`), &a))
	assert.Equal(t, 9, a.Remaining())

	assert.Error(t, json.Unmarshal([]byte(`"lots"`), &a))
}
