package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestCursorRoundTrip(t *testing.T) {
	enc, err := EncodeCursor(Cursor{CreatedAt: "2026-01-02T03:04:05Z", ID: "42"})
	require.NoError(t, err)
	require.NotContains(t, enc, "=")

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	require.Equal(t, "42", dec.ID)

	_, err = DecodeCursor("%%%")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	rows := []*row{{"a"}, {"b"}, {"c"}}
	key := func(r *row) string { return r.id }

	info := BuildCursorPageInfo(rows, 2, key)
	require.True(t, info.HasMore)
	require.Equal(t, "b", info.NextCursor)

	info = BuildCursorPageInfo(rows, 3, key)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}
