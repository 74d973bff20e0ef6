package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"empty", "", "empty config path"},
		{"too long", strings.Repeat("a", maxPathLen+1) + ".json", "path too long"},
		{"escapes cwd", "../../outside.json", "path traversal"},
		{"wrong extension", "config.ini", "unsupported"},
		{"relative json", "config.json", ""},
		{"relative yml", "conf/dataflow.yml", ""},
		{"absolute yaml", "/etc/dataflow/config.yaml", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSafeReadFile_RejectsDirectoriesAndLargeFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dir.json")
	require.NoError(t, os.Mkdir(dir, 0o700))
	_, err := safeReadFile(dir)
	assert.ErrorContains(t, err, "not a regular file")

	big := filepath.Join(t.TempDir(), "big.json")
	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(maxConfigSize+1))
	require.NoError(t, f.Close())
	_, err = safeReadFile(big)
	assert.ErrorContains(t, err, "too large")
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a":[1,{"b":"}]{["}]}`)))
	assert.NoError(t, validateJSONDepth([]byte(`{"esc":"quote \" and [ bracket"}`)))

	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	assert.ErrorContains(t, validateJSONDepth([]byte(deep)), "too deep")
	assert.ErrorContains(t, validateJSONDepth([]byte(`{"a":1}}`)), "unbalanced")
	assert.ErrorContains(t, validateJSONDepth([]byte(`{"a":[1`)), "unclosed")
}
