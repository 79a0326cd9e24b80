// Package discovery finds the leaf directories that hold work for the pipeline.
//
// The walk is lazy and depth first. A directory is reported after all of its
// children (post-order), and only when it has no enumerable subdirectories,
// its name passes the optional prefix filter, and it directly contains at
// least one file with a target extension. Directories that cannot be read are
// skipped without stopping the walk of their siblings.
//
// The sequence is re-derived from the filesystem every time it is ranged
// over. Callers that need to both count and iterate it should materialize it
// once with Collect.
package discovery

import (
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

var log = slog.Default()

// wildcardChars are stripped from the end of a name filter.
const wildcardChars = "*?%"

// Options controls which leaf directories are yielded.
type Options struct {
	Extensions []string // target file suffixes, matched case-insensitively
	NameFilter string   // optional case-insensitive prefix for the leaf name
}

// NormalizeFilter trims whitespace and trailing wildcard characters from a filter.
func NormalizeFilter(filter string) string {
	return strings.TrimRight(strings.TrimSpace(filter), wildcardChars)
}

// Leaves returns the lazy post-order sequence of eligible leaf directories under root.
func Leaves(root string, opts Options) iter.Seq[string] {
	m := newMatcher(opts)
	return func(yield func(string) bool) {
		_, _ = walk(root, m, yield)
	}
}

// Collect materializes a discovery sequence into a slice.
func Collect(seq iter.Seq[string]) []string {
	return slices.Collect(seq)
}

type matcher struct {
	exts   []string
	prefix string
}

func newMatcher(opts Options) matcher {
	exts := make([]string, 0, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return matcher{
		exts:   exts,
		prefix: strings.ToLower(NormalizeFilter(opts.NameFilter)),
	}
}

// matchesFile reports whether name ends with one of the target extensions.
func (m matcher) matchesFile(name string) bool {
	lower := strings.ToLower(name)
	for _, e := range m.exts {
		if strings.HasSuffix(lower, e) && len(lower) > len(e) {
			return true
		}
	}
	return false
}

func (m matcher) matchesName(dir string) bool {
	if m.prefix == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(filepath.Base(dir)), m.prefix)
}

// walk visits dir. enumerable is false when dir could not be read; cont is
// false once the consumer has asked to stop.
func walk(dir string, m matcher, yield func(string) bool) (enumerable, cont bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debug("skipping unreadable directory", "dir", dir, "error", err)
		return false, true
	}

	var subdirs []string
	hasTarget := false
	for _, e := range entries {
		switch {
		case e.IsDir():
			subdirs = append(subdirs, filepath.Join(dir, e.Name()))
		case e.Type().IsRegular() && m.matchesFile(e.Name()):
			hasTarget = true
		}
	}
	sort.Strings(subdirs)

	eligible := 0
	for _, sub := range subdirs {
		ok, cont := walk(sub, m, yield)
		if !cont {
			return true, false
		}
		if ok {
			eligible++
		}
	}

	if eligible > 0 || !hasTarget || !m.matchesName(dir) {
		return true, true
	}
	return true, yield(dir)
}

// Files lists the target files directly inside dir, sorted by name.
func Files(dir string, extensions []string) []string {
	m := newMatcher(Options{Extensions: extensions})
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && m.matchesFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// TrimExtension removes the first matching target extension from name.
func TrimExtension(name string, extensions []string) string {
	m := newMatcher(Options{Extensions: extensions})
	lower := strings.ToLower(name)
	for _, e := range m.exts {
		if strings.HasSuffix(lower, e) && len(lower) > len(e) {
			return name[:len(name)-len(e)]
		}
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}
