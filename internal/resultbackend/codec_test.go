package resultbackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []any{
		nil,
		true,
		false,
		float64(42),
		"hello",
		[]any{"a", float64(1), true},
		map[string]any{"removed": float64(3)},
	}

	for _, v := range cases {
		data, err := Encode(v)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
