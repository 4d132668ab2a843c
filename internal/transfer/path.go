package transfer

import (
	"fmt"
	"path/filepath"
)

// LocalPath joins rel under root. rel must stay inside root: absolute paths and
// paths escaping through ".." are rejected.
func LocalPath(root, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q must be relative and stay inside the storage directory", rel)
	}

	return filepath.Join(root, rel), nil
}
