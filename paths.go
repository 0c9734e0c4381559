package sdauploader

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// EncryptedSuffix is carried by every encrypted artifact and its remote counterpart.
const EncryptedSuffix = ".c4gh"

// WithSuffix appends EncryptedSuffix unless p already ends with it.
func WithSuffix(p string) string {
	if strings.HasSuffix(p, EncryptedSuffix) {
		return p
	}
	return p + EncryptedSuffix
}

// ToRemote converts a local relative path into a forward-slash remote path.
func ToRemote(p string) string {
	p = filepath.ToSlash(p)
	// A Windows path still carries backslashes after ToSlash on other platforms.
	return strings.ReplaceAll(p, `\`, "/")
}

// RemoteJoin joins remote path elements with forward slashes.
func RemoteJoin(elem ...string) string {
	for i := range elem {
		elem[i] = ToRemote(elem[i])
	}
	return path.Join(elem...)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}
