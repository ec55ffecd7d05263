package seccomp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "minimal",
			data: `{"defaultAction": "SCMP_ACT_ALLOW"}`,
		},
		{
			name: "with syscalls",
			data: `{
				"defaultAction": "SCMP_ACT_ALLOW",
				"architectures": ["SCMP_ARCH_X86_64"],
				"syscalls": [{"names": ["mount", "umount2"], "action": "SCMP_ACT_ERRNO"}]
			}`,
		},
		{name: "not json", data: `defaultAction: allow`, wantErr: true},
		{name: "missing default action", data: `{"syscalls": []}`, wantErr: true},
		{name: "bad action", data: `{"defaultAction": "ALLOW"}`, wantErr: true},
		{
			name:    "syscall without action",
			data:    `{"defaultAction": "SCMP_ACT_ALLOW", "syscalls": [{"names": ["mount"]}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.NotContains(t, p.JSON(), "\n")
			assert.Contains(t, p.SecurityOpt(), `seccomp={"defaultAction":"SCMP_ACT_ALLOW"`)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")
	require.NoError(t, os.WriteFile(path, []byte("{\n  \"defaultAction\": \"SCMP_ACT_ALLOW\"\n}\n"), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, `{"defaultAction":"SCMP_ACT_ALLOW"}`, p.JSON())

	_, err = Load(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestShippedProfile(t *testing.T) {
	p, err := Load(filepath.Join("..", "..", "zeek-seccomp.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, p.JSON())
}
