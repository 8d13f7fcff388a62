package selection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ids = []string{"iosv-158-3", "iosv-159-3", "nxosv-9300"}

func TestNew_SelectsEverything(t *testing.T) {
	s := New("scan-1", ids)

	assert.Equal(t, "scan-1", s.SessionID())
	assert.Equal(t, ids, s.Selected())
	assert.True(t, s.IsImportable())
	assert.True(t, s.CreateMissingDeviceTypes())
}

func TestSelectAllNoneToggle(t *testing.T) {
	for _, x := range ids {
		s := New("scan-1", ids)
		s.SelectAll()
		s.SelectNone()
		require.NoError(t, s.Toggle(x))

		assert.Equal(t, []string{x}, s.Selected())
	}
}

func TestToggle_FlipsAndIsIdempotentInPairs(t *testing.T) {
	s := New("scan-1", ids)

	require.NoError(t, s.Toggle("iosv-159-3"))
	assert.False(t, s.IsSelected("iosv-159-3"))
	require.NoError(t, s.Toggle("iosv-159-3"))
	assert.True(t, s.IsSelected("iosv-159-3"))
	assert.Equal(t, ids, s.Selected())
}

func TestToggle_UnknownImage(t *testing.T) {
	s := New("scan-1", ids)

	err := s.Toggle("csr1000v")
	require.ErrorIs(t, err, ErrUnknownImage)
	assert.Equal(t, ids, s.Selected())
}

func TestSelectAndSelectNone_AreIdempotent(t *testing.T) {
	s := New("scan-1", ids)
	s.SelectAll()
	s.SelectAll()
	assert.Equal(t, 3, s.Len())

	s.SelectNone()
	s.SelectNone()
	assert.Equal(t, 0, s.Len())
}

func TestIsImportable_FalseIffEmpty(t *testing.T) {
	s := New("scan-1", ids)
	assert.True(t, s.IsImportable())

	s.SelectNone()
	assert.False(t, s.IsImportable())

	require.NoError(t, s.Toggle(ids[0]))
	assert.True(t, s.IsImportable())

	empty := New("scan-2", nil)
	assert.False(t, empty.IsImportable())
}

func TestSelect_ReplacesAtomically(t *testing.T) {
	s := New("scan-1", ids)

	require.NoError(t, s.Select("nxosv-9300", "iosv-158-3"))
	assert.Equal(t, []string{"iosv-158-3", "nxosv-9300"}, s.Selected())

	require.ErrorIs(t, s.Select("iosv-159-3", "bogus"), ErrUnknownImage)
	assert.Equal(t, []string{"iosv-158-3", "nxosv-9300"}, s.Selected())
}

func TestDeselect(t *testing.T) {
	s := New("scan-1", ids)

	require.NoError(t, s.Deselect("iosv-158-3"))
	assert.Equal(t, []string{"iosv-159-3", "nxosv-9300"}, s.Selected())
	require.ErrorIs(t, s.Deselect("bogus"), ErrUnknownImage)
}

func TestClone_IsIndependent(t *testing.T) {
	s := New("scan-1", ids)
	s.SetCreateMissingDeviceTypes(false)
	require.NoError(t, s.Toggle(ids[0]))

	c := s.Clone()
	s.SelectAll()

	assert.Equal(t, ids[1:], c.Selected())
	assert.False(t, c.CreateMissingDeviceTypes())
}
