package client

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const deviceIDFile = "device_id.txt"

// Fingerprint derives the stable per-device identifier: the hex SHA-256
// of a persisted random device ID combined with a coarse user agent
// string. The same device always presents the same fingerprint,
// independent of username.
func Fingerprint(dataDir string) (string, error) {
	id, err := deviceID(dataDir)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(id + "|" + userAgent()))
	return hex.EncodeToString(sum[:]), nil
}

func userAgent() string {
	return runtime.GOOS + " " + runtime.GOARCH
}

func deviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return strings.TrimSpace(string(data)), nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	id := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
