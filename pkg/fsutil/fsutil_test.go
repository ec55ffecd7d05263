package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *OwnerConfig
		wantErr bool
	}{
		{name: "empty", input: "", want: nil},
		{name: "valid", input: "1000:1000", want: &OwnerConfig{UID: 1000, GID: 1000}},
		{name: "missing gid", input: "1000", wantErr: true},
		{name: "bad uid", input: "x:1", wantErr: true},
		{name: "bad gid", input: "1:y", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOwner(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMkdirJob(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "spool", "job-1")

	existed, err := MkdirJob(dir, nil)
	require.NoError(t, err)
	assert.False(t, existed)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	existed, err = MkdirJob(dir, nil)
	require.NoError(t, err)
	assert.True(t, existed)

	file := filepath.Join(root, "spool", "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err = MkdirJob(file, nil)
	require.Error(t, err)

	_, err = MkdirJob(filepath.Join(file, "job-2"), nil)
	require.Error(t, err, "a parent that is a file is not tolerated")
}
