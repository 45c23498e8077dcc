package fat

import (
	"io/fs"

	"github.com/ledgren/mediacard/checkpoint"
)

// DirEntry adapts an os.FileInfo to fs.DirEntry for FS.ReadDir results.
type DirEntry struct {
	fs.FileInfo
}

func (d DirEntry) Type() fs.FileMode {
	return d.FileInfo.Mode().Type()
}

func (d DirEntry) Info() (fs.FileInfo, error) {
	return d.FileInfo, nil
}

// FSFile adapts File to fs.File and fs.ReadDirFile.
type FSFile struct {
	*File
}

func (f FSFile) Stat() (fs.FileInfo, error) {
	return f.File.Stat()
}

func (f FSFile) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := f.File.Readdir(n)

	fsEntries := make([]fs.DirEntry, len(entries))
	for i, e := range entries {
		fsEntries[i] = DirEntry{e}
	}

	return fsEntries, err
}

// FS wraps a mounted volume so it satisfies fs.FS.
type FS struct {
	*Volume
}

// MountFS mounts dev like Mount but returns an fs.FS compatible view.
func MountFS(dev BlockDevice) (*FS, error) {
	vol, err := Mount(dev)
	if err != nil {
		return nil, err
	}
	return &FS{vol}, nil
}

func (f FS) Open(name string) (fs.File, error) {
	file, err := f.Volume.Open(name)
	if err != nil {
		return nil, err
	}

	ff, ok := file.(*File)
	if !ok {
		return nil, checkpoint.From(ErrInvalidParam)
	}
	return FSFile{ff}, nil
}
