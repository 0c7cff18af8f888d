package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Recovery describes what RecoverCorruptedFile did.
type Recovery struct {
	QuarantinedTo string
	FromBackup    bool
	Skeleton      bool
}

// Quarantine moves a corrupt file to <stateDir>/quarantine and returns its
// new path.
func Quarantine(stateDir, filePath string, now time.Time) (string, error) {
	dir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), now.UTC().Format("20060102T150405"))
	dest := filepath.Join(dir, name)
	if err := os.Rename(filePath, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

// RestoreFromBackup copies path.bak over path if the backup carries a valid
// header of fileType.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// GenerateSkeleton writes an empty document of fileType.
func GenerateSkeleton(filePath, fileType string) error {
	content, err := yamlv3.Marshal(skeletonFor(fileType))
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}

// RecoverCorruptedFile quarantines filePath, then restores the backup or,
// failing that, writes a skeleton.
func RecoverCorruptedFile(stateDir, filePath, fileType string, now time.Time) (Recovery, error) {
	var rec Recovery
	dest, err := Quarantine(stateDir, filePath, now)
	if err != nil {
		return rec, fmt.Errorf("quarantine failed: %w", err)
	}
	rec.QuarantinedTo = dest

	if err := RestoreFromBackup(filePath, fileType); err == nil {
		rec.FromBackup = true
		return rec, nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return rec, fmt.Errorf("skeleton generation failed: %w", err)
	}
	rec.Skeleton = true
	return rec, nil
}

func skeletonFor(fileType string) map[string]any {
	doc := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	switch fileType {
	case FileTypeResults:
		doc["result"] = map[string]any{"tools": []any{}}
		doc["flags"] = map[string]any{}
	case FileTypeLastRun:
		doc["run"] = nil
	}
	return doc
}
