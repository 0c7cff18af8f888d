package yaml

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// Document types written by selftestd.
const (
	FileTypeResults = "selftest_results"
	FileTypeLastRun = "selftest_last_run"
)

var validFileTypes = map[string]bool{
	FileTypeResults: true,
	FileTypeLastRun: true,
}

// ErrSchema marks a document whose header is missing, unknown or too new.
var ErrSchema = errors.New("invalid schema header")

// SchemaHeader is embedded inline at the top of every document.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version" json:"schema_version"`
	FileType      string `yaml:"file_type" json:"file_type"`
}

// NewHeader returns the current header for fileType.
func NewHeader(fileType string) SchemaHeader {
	return SchemaHeader{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

func ValidateSchemaHeader(path string, expectedFileType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return ValidateSchemaHeaderFromBytes(content, expectedFileType)
}

func ValidateSchemaHeaderFromBytes(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	switch {
	case header.SchemaVersion < 1:
		return fmt.Errorf("%w: schema_version %d (must be >= 1)", ErrSchema, header.SchemaVersion)
	case header.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("%w: unsupported schema_version %d (max supported: %d)", ErrSchema, header.SchemaVersion, CurrentSchemaVersion)
	case header.FileType == "":
		return fmt.Errorf("%w: missing file_type", ErrSchema)
	case !validFileTypes[header.FileType]:
		return fmt.Errorf("%w: unknown file_type %q", ErrSchema, header.FileType)
	case expectedFileType != "" && header.FileType != expectedFileType:
		return fmt.Errorf("%w: file_type %q, expected %q", ErrSchema, header.FileType, expectedFileType)
	}
	return nil
}

// LoadDocument validates the header of path and decodes it into out.
func LoadDocument(path, fileType string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return fmt.Errorf("decode %s: %w", fileType, err)
	}
	return nil
}
