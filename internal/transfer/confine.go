package transfer

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafeName is returned for filenames that would escape the storage root.
var ErrUnsafeName = errors.New("transfer: unsafe filename")

// Confine resolves a client-supplied filename inside root. It returns the
// cleaned relative name and the full path.
func Confine(root, name string) (string, string, error) {
	name = strings.TrimRight(name, "\x00")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", fmt.Errorf("%w: empty", ErrUnsafeName)
	}
	if strings.ContainsRune(name, 0) {
		return "", "", fmt.Errorf("%w: contains NUL", ErrUnsafeName)
	}
	// Windows clients may send backslash separators.
	name = strings.ReplaceAll(name, `\`, "/")
	if len(name) >= 2 && name[1] == ':' {
		return "", "", fmt.Errorf("%w: %q has a volume", ErrUnsafeName, name)
	}
	if strings.HasPrefix(name, "/") {
		return "", "", fmt.Errorf("%w: %q is absolute", ErrUnsafeName, name)
	}

	cleaned := path.Clean(name)
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", "", fmt.Errorf("%w: %q leaves the storage root", ErrUnsafeName, name)
	}

	full := filepath.Join(root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", "", fmt.Errorf("%w: %q leaves the storage root", ErrUnsafeName, name)
	}
	return cleaned, full, nil
}
