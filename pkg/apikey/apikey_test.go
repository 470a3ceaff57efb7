package apikey

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mcp_api_keys.json"))
	require.NoError(t, err)
	return s
}

func TestCreateAndValidate(t *testing.T) {
	s := newTestStore(t)

	rec, raw, err := s.Create("ci-runner")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, Prefix))
	require.Len(t, raw, RawLength)
	require.Equal(t, raw[:8], rec.Prefix)

	got, ok := s.Validate(raw)
	require.True(t, ok)
	require.Equal(t, rec.ID, got.ID)
	require.NotNil(t, got.LastUsedAt)
}

func TestValidateRejectsBoundaryLengths(t *testing.T) {
	s := newTestStore(t)
	_, raw, err := s.Create("k")
	require.NoError(t, err)

	_, ok := s.Validate(raw[:len(raw)-1])
	require.False(t, ok, "43-byte key must reject")

	_, ok = s.Validate(raw + "x")
	require.False(t, ok, "45-byte key must reject")

	allA := Prefix + strings.Repeat("A", RawLength-len(Prefix))
	_, ok = s.Validate(allA)
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	rec, raw, err := s.Create("k")
	require.NoError(t, err)

	require.NoError(t, s.Remove(rec.ID))
	_, ok := s.Validate(raw)
	require.False(t, ok)
}

func TestEnsureDefaultOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "mcp_api_keys.json"))
	require.NoError(t, err)

	require.NoError(t, EnsureDefault(s, dir))
	require.Len(t, s.List(), 1)

	raw, ok, err := ShowDefault(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(raw, Prefix))

	// Second read must find the sidecar file already consumed.
	_, ok, err = ShowDefault(dir)
	require.NoError(t, err)
	require.False(t, ok)

	// EnsureDefault must not mint a second key once one exists.
	require.NoError(t, EnsureDefault(s, dir))
	require.Len(t, s.List(), 1)
}
