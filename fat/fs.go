package fat

import (
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/ledgren/mediacard/checkpoint"
)

var _ afero.Fs = (*Volume)(nil)

// Name returns the name of this filesystem implementation.
func (v *Volume) Name() string { return "mediacard-fat32" }

// Open opens the named file in the root directory, or the root directory
// itself for "" or "/". Paths with separators are rejected: subdirectories
// are not supported.
func (v *Volume) Open(name string) (afero.File, error) {
	if !v.mounted {
		return nil, checkpoint.From(ErrNotMounted)
	}

	trimmed := strings.Trim(name, "/")
	if trimmed == "" || trimmed == "." {
		return &File{vol: v, isRoot: true}, nil
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return nil, checkpoint.Wrap(syscall.ENOENT, ErrNotFound)
	}

	info, err := v.FindFile(trimmed)
	if err != nil {
		return nil, checkpoint.Wrap(err, syscall.ENOENT)
	}
	return &File{vol: v, info: info}, nil
}

// OpenFile opens a file honoring read-only flags. Any write access flag
// fails with ErrReadOnly.
func (v *Volume) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
	}
	return v.Open(name)
}

func (v *Volume) Stat(name string) (os.FileInfo, error) {
	f, err := v.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func (v *Volume) Create(name string) (afero.File, error) {
	return nil, checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) Mkdir(name string, perm os.FileMode) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) MkdirAll(path string, perm os.FileMode) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) Remove(name string) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) RemoveAll(path string) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) Rename(oldname, newname string) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) Chmod(name string, mode os.FileMode) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) Chown(name string, uid, gid int) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (v *Volume) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}
