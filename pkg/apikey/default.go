package apikey

import (
	"os"
	"path/filepath"
)

// DefaultLabel is the label given to the auto-generated install-time key.
const DefaultLabel = "Default"

// DefaultKeyFilename is the plaintext sidecar file holding the
// Default key's raw value for one-time UI display.
const DefaultKeyFilename = "mcp_default_key"

// EnsureDefault creates the auto-generated Default key on first
// install (a store with no keys yet) and writes its raw value to
// dataDir/mcp_default_key so the GUI can display it once. Subsequent
// calls are no-ops.
func EnsureDefault(s *Store, dataDir string) error {
	if len(s.List()) > 0 {
		return nil
	}

	_, raw, err := s.Create(DefaultLabel)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dataDir, DefaultKeyFilename), []byte(raw), 0o600)
}

// ShowDefault reads and deletes the one-time default-key sidecar
// file: the raw key is surfaced at most once, even across process
// restarts between install and first UI launch.
func ShowDefault(dataDir string) (raw string, ok bool, err error) {
	path := filepath.Join(dataDir, DefaultKeyFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	_ = os.Remove(path)
	return string(data), true, nil
}
