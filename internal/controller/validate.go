package controller

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/extract-fanout/internal/discovery"
	"github.com/ChuLiYu/extract-fanout/pkg/types"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

var (
	// ErrInvalidRoot means the root directory is missing or not a directory.
	ErrInvalidRoot = errors.New("invalid root directory")
	// ErrInvalidOutput means the output directory cannot be used or created.
	ErrInvalidOutput = errors.New("invalid output directory")
	// ErrInvalidExecutable means the executable does not resolve to a regular file.
	ErrInvalidExecutable = errors.New("invalid executable")
	// ErrInvalidPolicy means the output prefix policy is unknown.
	ErrInvalidPolicy = errors.New("invalid output prefix policy")
)

// outputDirMu serializes output directory creation within this process; the
// file lock extends that to other processes.
var outputDirMu sync.Mutex

// normalize validates req and returns the copy every later stage works from.
func normalize(req types.RootRequest, defaultBudget int) (types.RootRequest, error) {
	if req.ID == "" {
		req.ID = types.RequestID(uuid.NewString())
	}

	root, err := absPath(req.RootDirectory)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return req, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}
	req.RootDirectory = root

	exe, err := resolveExecutable(req.ExecutablePath)
	if err != nil {
		return req, err
	}
	req.ExecutablePath = exe

	out, err := absPath(req.OutputDirectory)
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	req.OutputDirectory = out

	if !req.OutputPrefixPolicy.Valid() {
		return req, fmt.Errorf("%w: %q", ErrInvalidPolicy, req.OutputPrefixPolicy)
	}
	if req.OutputPrefixPolicy == "" {
		req.OutputPrefixPolicy = types.PrefixNone
	}

	if req.TotalBudget < 1 {
		req.TotalBudget = max(defaultBudget, 1)
	}
	if req.Timeout < 0 {
		req.Timeout = 0
	}
	req.NameFilter = discovery.NormalizeFilter(req.NameFilter)

	if err := ensureOutputDir(req.OutputDirectory); err != nil {
		return req, err
	}
	return req, nil
}

func absPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("empty path")
	}
	return filepath.Abs(p)
}

// resolveExecutable accepts an absolute or relative path, or a bare name
// looked up on $PATH.
func resolveExecutable(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidExecutable)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidExecutable, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidExecutable, path)
	}
	return path, nil
}

// ensureOutputDir creates dir if it does not exist. Another goroutine or
// process winning the race to create it is not an error.
func ensureOutputDir(dir string) error {
	if ok, err := isDir(dir); err != nil || ok {
		return err
	}

	outputDirMu.Lock()
	defer outputDirMu.Unlock()

	lock := flock.New(lockPath(dir))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %v", ErrInvalidOutput, lock.Path(), err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("failed to release output lock", "path", lock.Path(), "error", err)
		}
	}()

	if ok, err := isDir(dir); err != nil || ok {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if ok, err := isDir(dir); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: %s was not created", ErrInvalidOutput, dir)
		}
		return err
	}
	log.Debug("created output directory", "dir", dir)
	return nil
}

func isDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	case !info.IsDir():
		return false, fmt.Errorf("%w: %s is not a directory", ErrInvalidOutput, dir)
	}
	return true, nil
}

// lockPath keeps lock files out of the output tree.
func lockPath(dir string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(dir))
	return filepath.Join(os.TempDir(), fmt.Sprintf("extract-fanout-%x.lock", h.Sum64()))
}
