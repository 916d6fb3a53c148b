package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "rec1"), 0o755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing child", filepath.Join(base, "rec1"), false},
		{"new child", filepath.Join(base, "rec2", "data.bin"), false},
		{"the directory itself", base, false},
		{"dot dot", filepath.Join(base, "..", "elsewhere"), true},
		{"nested escape", filepath.Join(base, "rec1", "..", "..", "x"), true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, base)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(base, "evil")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(link, "new", "file"), base))
}

func TestValidatePathWithinDirectory_MissingDir(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope")
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(missing, "a"), missing))
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"mouse-3_day.2":  "mouse-3_day.2",
		"../etc/passwd":  "etc_passwd",
		"a b  c":         "a_b_c",
		"..":             "unnamed",
		"":               "unnamed",
		"séance 4":       "s_ance_4",
		"__lead_trail__": "lead_trail",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), "SanitizeName(%q)", in)
	}
	assert.LessOrEqual(t, len(SanitizeName(strings.Repeat("x", 500))), maxNameLen)
}
