package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateTokenBalanceKeepsOtherFields(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "user.json"))
	require.NoError(t, s.Save(map[string]any{
		"id":               "u1",
		"tokens_remaining": 10,
		"theme":            "dark",
	}))

	applied, err := s.UpdateTokenBalance(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := s.Load()
	require.NoError(t, err)
	assert.EqualValues(t, 42, rec["tokens_remaining"])
	assert.Equal(t, "dark", rec["theme"])
}

func TestUpdateTokenBalanceWithoutRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.json")
	s := New(path)

	applied, err := s.UpdateTokenBalance(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, applied)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "update must not create the record")
}

func TestCorruptRecordIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(path).UpdateTokenBalance(context.Background(), 1)
	require.Error(t, err)
}
