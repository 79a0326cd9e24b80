package controller

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/ChuLiYu/extract-fanout/pkg/types"
)

// ErrNoIdentifier means no identifier could be extracted from a leaf directory name.
var ErrNoIdentifier = errors.New("no identifier in directory name")

// DefaultIdentifierPattern matches the first alphanumeric token that contains a digit,
// e.g. "SN003X" in "SN003X" or "unit-SN003X-old".
const DefaultIdentifierPattern = `(?i)[a-z]*[0-9][a-z0-9]*`

// IdentifierFunc extracts the identifier from a leaf directory name.
type IdentifierFunc func(name string) (string, bool)

// PatternIdentifier returns an IdentifierFunc that uses the first capture
// group of re when it has one, else the whole match.
func PatternIdentifier(re *regexp.Regexp) IdentifierFunc {
	return func(name string) (string, bool) {
		m := re.FindStringSubmatch(name)
		if m == nil {
			return "", false
		}
		if len(m) > 1 && m[1] != "" {
			return m[1], true
		}
		return m[0], m[0] != ""
	}
}

// Derivation is the outcome of turning one discovered directory into a work
// unit. Exactly one of Unit and Err is meaningful.
type Derivation struct {
	Dir  string
	Unit types.WorkUnit
	Err  error
}

// OK reports whether the derivation produced a unit.
func (d Derivation) OK() bool { return d.Err == nil }

// derive builds the work unit for dir. req must already be normalized. The
// unit holds a single share until the request is allocated.
func derive(req types.RootRequest, dir string, identify IdentifierFunc) Derivation {
	name := filepath.Base(dir)
	id, ok := identify(name)
	if !ok {
		return Derivation{Dir: dir, Err: fmt.Errorf("%w: %s", ErrNoIdentifier, dir)}
	}

	rel, err := filepath.Rel(req.RootDirectory, dir)
	if err != nil {
		return Derivation{Dir: dir, Err: fmt.Errorf("relative path of %s: %w", dir, err)}
	}

	var prefix string
	switch req.OutputPrefixPolicy {
	case types.PrefixIdentifier:
		prefix = id + "_"
	case types.PrefixDirectory:
		prefix = name + "_"
	}

	return Derivation{Dir: dir, Unit: types.WorkUnit{
		RequestID:       req.ID,
		InputDirectory:  dir,
		OutputDirectory: filepath.Join(req.OutputDirectory, rel),
		Identifier:      id,
		OutputPrefix:    prefix,
		ExecutablePath:  req.ExecutablePath,
		IgnoreErrors:    req.IgnoreErrors,
		PerUnitTimeout:  req.Timeout,
		SharesAssigned:  1,
	}}
}

// deriveAll derives one unit per directory.
func deriveAll(req types.RootRequest, dirs []string, identify IdentifierFunc) []Derivation {
	out := make([]Derivation, 0, len(dirs))
	for _, dir := range dirs {
		out = append(out, derive(req, dir, identify))
	}
	return out
}
