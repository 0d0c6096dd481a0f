package file

import (
	"path/filepath"
	"strings"
)

// ReplaceExt swaps the extension of path for ext. Dot files such as
// ".env" are treated as having no extension.
func ReplaceExt(path, ext string) string {
	if path == "" {
		return path
	}

	dir, name := filepath.Split(path)
	if lastDot := strings.LastIndex(name, "."); lastDot > 0 {
		name = name[:lastDot]
	}
	return filepath.Join(dir, name+normalizeExt(ext))
}

func normalizeExt(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}
