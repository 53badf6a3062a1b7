package util

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
	"sync"
)

var (
	fingerprintOnce sync.Once
	fingerprint     string
)

// MachineFingerprint returns a stable hex identifier for this host. It is
// derived from the hostname and platform, so it survives process restarts
// but differs between machines. The refresh endpoints see the first 16
// characters of it inside the User-Agent.
func MachineFingerprint() string {
	fingerprintOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown-host"
		}
		seed := strings.Join([]string{host, runtime.GOOS, runtime.GOARCH}, "|")
		sum := sha256.Sum256([]byte(seed))
		fingerprint = hex.EncodeToString(sum[:])
	})
	return fingerprint
}

// ShortFingerprint returns the 16-character prefix used in User-Agent strings.
func ShortFingerprint() string {
	fp := MachineFingerprint()
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
