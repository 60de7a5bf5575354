package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the error returned by FaultyFS when a rule carries no error.
var ErrInjected = errors.New("injected fault")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // fail writes once this many bytes were written to the file; -1 disables
	FailOnSync     bool
	FailOnOpen     bool
	FailOnTruncate bool
	FailOnRename   bool // matched against the source name
	Err            error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS is a FileSystem wrapper that can inject errors.
//
// Rules are matched by substring against the file name and are looked up on
// every operation, so a rule added after a file was opened still applies to it.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault
}

// NewFaultyFS wraps fsys (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{FS: fsys, rules: make(map[string]Fault)}
}

// AddRule installs a fault for every file whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// ClearRules removes every installed fault.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.rules)
}

func (f *FaultyFS) faultFor(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			return rule, true
		}
	}
	return Fault{FailAfterBytes: -1}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if fault, ok := f.faultFor(name); ok && fault.FailOnOpen {
		return nil, fault.err()
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error { return f.FS.Remove(name) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault, ok := f.faultFor(oldpath); ok && fault.FailOnRename {
		return fault.err()
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Truncate(name string, size int64) error {
	if fault, ok := f.faultFor(name); ok && fault.FailOnTruncate {
		return fault.err()
	}
	return f.FS.Truncate(name, size)
}

type faultyFile struct {
	File
	fs   *FaultyFS
	name string

	mu      sync.Mutex
	written int64
}

func (ff *faultyFile) admit(n int) error {
	fault, ok := ff.fs.faultFor(ff.name)
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ok && fault.FailAfterBytes >= 0 && ff.written+int64(n) > fault.FailAfterBytes {
		return fault.err()
	}
	ff.written += int64(n)
	return nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.admit(len(p)); err != nil {
		return 0, err
	}
	return ff.File.Write(p)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.admit(len(p)); err != nil {
		return 0, err
	}
	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if fault, ok := ff.fs.faultFor(ff.name); ok && fault.FailOnSync {
		return fault.err()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Truncate(size int64) error {
	if fault, ok := ff.fs.faultFor(ff.name); ok && fault.FailOnTruncate {
		return fault.err()
	}
	return ff.File.Truncate(size)
}

func (ff *faultyFile) unwrap() File { return ff.File }
