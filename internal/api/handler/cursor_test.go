package handler

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemCursor(t *testing.T) {
	for _, offset := range []int{0, 1, 20, 1000} {
		got, err := DecodeItemCursor(EncodeItemCursor(offset))
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	}

	got, err := DecodeItemCursor("")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestDecodeItemCursor_Invalid(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "!!"},
		{name: "wrong prefix", cursor: enc("job|3")},
		{name: "missing offset", cursor: enc("offset")},
		{name: "not a number", cursor: enc("offset|abc")},
		{name: "negative", cursor: enc("offset|-4")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeItemCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}
