package fs

import (
	"os"
	"strings"
	"sync"
)

// Op identifies one interceptable filesystem or file operation.
type Op string

// Operations [Flaky] can fail.
const (
	OpOpenFile Op = "openfile"
	OpRemove   Op = "remove"
	OpStat     Op = "stat"
	OpMkdirAll Op = "mkdirall"

	OpFileRead     Op = "file.read"
	OpFileWrite    Op = "file.write"
	OpFileSeek     Op = "file.seek"
	OpFileStat     Op = "file.stat"
	OpFileTruncate Op = "file.truncate"
	OpFileClose    Op = "file.close"
)

type flakyRule struct {
	pathContains string
	pathExact    string
	err          error
}

// Flaky wraps an [FS] and fails selected operations with caller-chosen
// errors. Unlike random chaos testing, failures are deterministic: an
// armed operation fails every time until disarmed, which keeps error-path
// tests reproducible.
//
// Files opened through a Flaky filesystem inherit its failure rules for
// file-level operations, matched against the path they were opened with.
type Flaky struct {
	inner FS

	mu    sync.Mutex
	rules map[Op]flakyRule
}

// NewFlaky returns a Flaky wrapping inner with no failures armed.
func NewFlaky(inner FS) *Flaky {
	return &Flaky{inner: inner, rules: make(map[Op]flakyRule)}
}

// FailWith arms op to fail with err on every call until [Flaky.Restore].
func (f *Flaky) FailWith(op Op, err error) {
	f.FailPathWith(op, "", err)
}

// FailPathWith arms op to fail with err for paths containing pathContains.
// An empty pathContains matches every path.
func (f *Flaky) FailPathWith(op Op, pathContains string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules[op] = flakyRule{pathContains: pathContains, err: err}
}

// FailExactPathWith arms op to fail with err only for exactly path. Useful
// when one path is a prefix of another (a data file and its sibling lock
// file, say).
func (f *Flaky) FailExactPathWith(op Op, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules[op] = flakyRule{pathExact: path, err: err}
}

// Restore disarms op.
func (f *Flaky) Restore(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.rules, op)
}

func (f *Flaky) failure(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rule, ok := f.rules[op]
	if !ok {
		return nil
	}

	if rule.pathExact != "" && path != rule.pathExact {
		return nil
	}

	if rule.pathContains != "" && !strings.Contains(path, rule.pathContains) {
		return nil
	}

	return rule.err
}

func (f *Flaky) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.failure(OpOpenFile, path); err != nil {
		return nil, err
	}

	file, err := f.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &flakyFile{inner: file, path: path, fs: f}, nil
}

func (f *Flaky) ReadFile(path string) ([]byte, error) {
	return f.inner.ReadFile(path)
}

func (f *Flaky) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return f.inner.WriteFileAtomic(path, data, perm)
}

func (f *Flaky) MkdirAll(path string, perm os.FileMode) error {
	if err := f.failure(OpMkdirAll, path); err != nil {
		return err
	}

	return f.inner.MkdirAll(path, perm)
}

func (f *Flaky) Stat(path string) (os.FileInfo, error) {
	if err := f.failure(OpStat, path); err != nil {
		return nil, err
	}

	return f.inner.Stat(path)
}

func (f *Flaky) Remove(path string) error {
	if err := f.failure(OpRemove, path); err != nil {
		return err
	}

	return f.inner.Remove(path)
}

func (f *Flaky) RemoveAll(path string) error {
	return f.inner.RemoveAll(path)
}

func (f *Flaky) Rename(oldpath, newpath string) error {
	return f.inner.Rename(oldpath, newpath)
}

// flakyFile applies the owning filesystem's file-level rules.
type flakyFile struct {
	inner File
	path  string
	fs    *Flaky
}

func (f *flakyFile) Read(p []byte) (int, error) {
	if err := f.fs.failure(OpFileRead, f.path); err != nil {
		return 0, err
	}

	return f.inner.Read(p)
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if err := f.fs.failure(OpFileWrite, f.path); err != nil {
		return 0, err
	}

	return f.inner.Write(p)
}

func (f *flakyFile) Seek(offset int64, whence int) (int64, error) {
	if err := f.fs.failure(OpFileSeek, f.path); err != nil {
		return 0, err
	}

	return f.inner.Seek(offset, whence)
}

func (f *flakyFile) Close() error {
	if err := f.fs.failure(OpFileClose, f.path); err != nil {
		return err
	}

	return f.inner.Close()
}

func (f *flakyFile) Fd() uintptr {
	return f.inner.Fd()
}

func (f *flakyFile) Stat() (os.FileInfo, error) {
	if err := f.fs.failure(OpFileStat, f.path); err != nil {
		return nil, err
	}

	return f.inner.Stat()
}

func (f *flakyFile) Sync() error {
	return f.inner.Sync()
}

func (f *flakyFile) Truncate(size int64) error {
	if err := f.fs.failure(OpFileTruncate, f.path); err != nil {
		return err
	}

	return f.inner.Truncate(size)
}

// Compile-time interface checks.
var (
	_ FS   = (*Flaky)(nil)
	_ File = (*flakyFile)(nil)
)
