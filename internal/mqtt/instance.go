package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateInstanceID reads the instance ID from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// A stable ID keeps the broker session and client identity the same
// across restarts.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// ClientID returns the configured client ID, or derives one from the
// persisted instance ID when none is set.
func ClientID(configured, dataDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := LoadOrCreateInstanceID(dataDir)
	if err != nil {
		return "", err
	}
	// The tail of a UUIDv7 is random; the head is a timestamp.
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 12 {
		short = short[len(short)-12:]
	}
	return "foreman-" + short, nil
}
