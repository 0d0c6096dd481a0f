package file

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FindRecentAfter lists regular files directly inside dir that were
// modified after startTime, oldest first. When exts are given only files
// with one of those extensions are returned.
func FindRecentAfter(dir string, startTime time.Time, exts ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type found struct {
		path    string
		modTime time.Time
	}
	var recent []found
	for _, entry := range entries {
		if entry.IsDir() || !hasExt(entry.Name(), exts) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if info.ModTime().After(startTime) {
			recent = append(recent, found{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
		}
	}

	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].modTime.Before(recent[j].modTime)
	})
	ret := make([]string, 0, len(recent))
	for _, f := range recent {
		ret = append(ret, f.path)
	}
	return ret, nil
}

func hasExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range exts {
		if ext == strings.ToLower(normalizeExt(want)) {
			return true
		}
	}
	return false
}
