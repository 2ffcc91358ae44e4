package probe

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"provisiond/internal/common/fsutil"
)

// DefaultModelLocations returns the well-known model directories, starting with
// installDir when set. Directories that cannot be resolved are skipped.
func DefaultModelLocations(installDir string) []string {
	var out []string
	add := func(p string) {
		if p == "" {
			return
		}
		if exp, err := fsutil.ExpandHome(p); err == nil {
			p = exp
		}
		for _, existing := range out {
			if existing == p {
				return
			}
		}
		out = append(out, p)
	}
	add(installDir)
	add("~/models/llm")
	if dir, err := os.UserConfigDir(); err == nil {
		add(filepath.Join(dir, "provisiond", "models"))
	}
	if dir, err := os.UserCacheDir(); err == nil {
		add(filepath.Join(dir, "provisiond", "models"))
	}
	return out
}

// FindModels scans each location and its immediate subfolders for files with
// the given extension (case-insensitive). Unreadable locations are skipped.
func FindModels(locations []string, ext string) []string {
	ext = strings.ToLower(ext)
	seen := map[string]bool{}
	var out []string
	for _, loc := range locations {
		base, err := fsutil.ExpandHome(loc)
		if err != nil || base == "" {
			continue
		}
		abs, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		for _, dir := range append([]string{abs}, subdirs(abs)...) {
			for _, f := range scanDir(dir, ext) {
				if !seen[f] {
					seen[f] = true
					out = append(out, f)
				}
			}
		}
	}
	return out
}

func subdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func scanDir(dir, ext string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ext) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out
}
