package sandbox

import (
	"io"
	"os"
	"path/filepath"

	"github.com/kb-labs/runtime/pkg/permissions"
)

// FS is the sandboxed file-system facade. Paths are resolved against the
// evaluator's cwd; reads and writes are checked before any OS call. OS
// errors (not-found and friends) propagate as-is so callers can tell policy
// refusals from I/O failures.
type FS struct {
	eval *permissions.Evaluator
}

// WriteOptions tune WriteFile behavior.
type WriteOptions struct {
	Append bool
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// DirEntryStat is one readdir result with stat data attached.
type DirEntryStat struct {
	DirEntry
	Size    int64 `json:"size"`
	ModTime int64 `json:"modTime"` // unix ms
}

// FileInfo is the stat result shape handed to plugins.
type FileInfo struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"isDir"`
	Mode    uint32 `json:"mode"`
	ModTime int64  `json:"modTime"` // unix ms
}

// ReadFile reads a file as a string.
func (f *FS) ReadFile(path string) (string, error) {
	data, err := f.ReadFileBuffer(path)
	return string(data), err
}

// ReadFileBuffer reads a file as raw bytes.
func (f *FS) ReadFileBuffer(path string) ([]byte, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	return os.ReadFile(f.eval.Resolve(path))
}

// WriteFile writes data to a file, creating parent directories as needed.
func (f *FS) WriteFile(path string, data []byte, opts WriteOptions) error {
	if err := f.eval.CheckWrite(path); err != nil {
		return err
	}
	resolved := f.eval.Resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return err
	}
	if opts.Append {
		fh, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		defer fh.Close()
		_, err = fh.Write(data)
		return err
	}
	return os.WriteFile(resolved, data, 0644)
}

// Readdir lists a directory.
func (f *FS) Readdir(path string) ([]DirEntry, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.eval.Resolve(path))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

// ReaddirWithStats lists a directory including size and mtime per entry.
func (f *FS) ReaddirWithStats(path string) ([]DirEntryStat, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.eval.Resolve(path))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntryStat, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, DirEntryStat{
			DirEntry: DirEntry{Name: e.Name(), IsDir: e.IsDir()},
			Size:     info.Size(),
			ModTime:  info.ModTime().UnixMilli(),
		})
	}
	return out, nil
}

// Stat stats a path.
func (f *FS) Stat(path string) (*FileInfo, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(f.eval.Resolve(path))
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Mode:    uint32(info.Mode()),
		ModTime: info.ModTime().UnixMilli(),
	}, nil
}

// Exists reports whether a path exists. A permission refusal surfaces as an
// error, not as false.
func (f *FS) Exists(path string) (bool, error) {
	if err := f.eval.CheckRead(path); err != nil {
		return false, err
	}
	_, err := os.Stat(f.eval.Resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Mkdir creates a directory.
func (f *FS) Mkdir(path string, recursive bool) error {
	if err := f.eval.CheckWrite(path); err != nil {
		return err
	}
	resolved := f.eval.Resolve(path)
	if recursive {
		return os.MkdirAll(resolved, 0755)
	}
	return os.Mkdir(resolved, 0755)
}

// Rm removes a path.
func (f *FS) Rm(path string, recursive, force bool) error {
	if err := f.eval.CheckWrite(path); err != nil {
		return err
	}
	resolved := f.eval.Resolve(path)
	var err error
	if recursive {
		err = os.RemoveAll(resolved)
	} else {
		err = os.Remove(resolved)
	}
	if force && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Copy copies a file. The source needs read permission, the destination
// write permission.
func (f *FS) Copy(src, dst string) error {
	if err := f.eval.CheckRead(src); err != nil {
		return err
	}
	if err := f.eval.CheckWrite(dst); err != nil {
		return err
	}
	in, err := os.Open(f.eval.Resolve(src))
	if err != nil {
		return err
	}
	defer in.Close()

	resolvedDst := f.eval.Resolve(dst)
	if err := os.MkdirAll(filepath.Dir(resolvedDst), 0755); err != nil {
		return err
	}
	out, err := os.Create(resolvedDst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Move renames a file. Both ends need write permission; the source also
// needs read permission.
func (f *FS) Move(src, dst string) error {
	if err := f.eval.CheckRead(src); err != nil {
		return err
	}
	if err := f.eval.CheckWrite(src); err != nil {
		return err
	}
	if err := f.eval.CheckWrite(dst); err != nil {
		return err
	}
	resolvedDst := f.eval.Resolve(dst)
	if err := os.MkdirAll(filepath.Dir(resolvedDst), 0755); err != nil {
		return err
	}
	return os.Rename(f.eval.Resolve(src), resolvedDst)
}

// Pure path helpers; no permission checks because they never touch the
// file system.

// Join joins path elements.
func (f *FS) Join(elem ...string) string { return filepath.Join(elem...) }

// Base returns the last path element.
func (f *FS) Base(path string) string { return filepath.Base(path) }

// Dir returns the directory portion of a path.
func (f *FS) Dir(path string) string { return filepath.Dir(path) }

// Ext returns the file extension.
func (f *FS) Ext(path string) string { return filepath.Ext(path) }
