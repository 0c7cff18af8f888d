package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchemaHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
		wantErr  bool
	}{
		{name: "valid results", content: "schema_version: 1\nfile_type: selftest_results\n", expected: FileTypeResults},
		{name: "any type accepted", content: "schema_version: 1\nfile_type: selftest_last_run\n"},
		{name: "missing version", content: "file_type: selftest_results\n", wantErr: true},
		{name: "future version", content: "schema_version: 9\nfile_type: selftest_results\n", wantErr: true},
		{name: "missing type", content: "schema_version: 1\n", wantErr: true},
		{name: "unknown type", content: "schema_version: 1\nfile_type: queue_task\n", wantErr: true},
		{name: "type mismatch", content: "schema_version: 1\nfile_type: selftest_last_run\n", expected: FileTypeResults, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchemaHeaderFromBytes([]byte(tt.content), tt.expected)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrSchema), "want ErrSchema, got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateSchemaHeader_UnparseableIsNotSchemaError(t *testing.T) {
	err := ValidateSchemaHeaderFromBytes([]byte("a: [\n"), "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSchema))
}

func TestLoadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_run.yaml")
	type doc struct {
		SchemaHeader `yaml:",inline"`
		Run          map[string]string `yaml:"run"`
	}
	require.NoError(t, AtomicWrite(path, doc{
		SchemaHeader: NewHeader(FileTypeLastRun),
		Run:          map[string]string{"state": "Finished"},
	}))

	var got doc
	require.NoError(t, LoadDocument(path, FileTypeLastRun, &got))
	assert.Equal(t, "Finished", got.Run["state"])

	err := LoadDocument(path, FileTypeResults, &got)
	assert.ErrorIs(t, err, ErrSchema)

	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.ErrorIs(t, LoadDocument(filepath.Join(t.TempDir(), "missing.yaml"), FileTypeResults, &got), os.ErrNotExist)
}
