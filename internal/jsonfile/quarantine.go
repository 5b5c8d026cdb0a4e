package jsonfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file out of the way so the next cycle does
// not re-read it. The file is renamed, never deleted, so the operator can
// inspect it.
func Quarantine(wardenDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(wardenDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

// RestoreFromBackup replaces a corrupted file with its .bak sibling.
func RestoreFromBackup(filePath string) error {
	content, err := os.ReadFile(filePath + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := validateJSON(content); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := AtomicWriteRaw(filePath, content); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}
