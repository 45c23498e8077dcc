package fat

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/afero"

	"github.com/ledgren/mediacard/checkpoint"
)

// File is a read-only afero.File over a root-directory entry, or over the
// root directory itself. Mutating operations fail with ErrReadOnly.
type File struct {
	vol    *Volume
	info   FileInfo
	isRoot bool
	offset int64
	closed bool
}

var _ afero.File = (*File)(nil)

func (f *File) Close() error {
	f.closed = true
	f.offset = 0
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, checkpoint.Wrap(os.ErrClosed, ErrReadFile)
	}
	if f.isRoot {
		return 0, checkpoint.Wrap(syscall.EISDIR, ErrReadFile)
	}
	if off < 0 {
		return 0, checkpoint.Wrap(ErrInvalidParam, ErrReadFile)
	}
	if off >= int64(f.info.Size) {
		return 0, io.EOF
	}

	n, err := f.vol.readFileAt(p, f.info.FirstCluster, f.info.Size, off)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrReadFile)
	}
	if n < len(p) {
		// Read was truncated at end of file.
		return n, io.EOF
	}
	return n, nil
}

// Seek jumps to a specific offset in the file. This affects all Read
// operations except ReadAt. Returns syscall.EINVAL for an invalid whence
// and afero.ErrOutOfRange for an offset outside the file.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = int64(f.info.Size) + offset
	default:
		return 0, checkpoint.Wrap(fmt.Errorf("%w, whence: %v", syscall.EINVAL, whence), ErrSeekFile)
	}

	if offset < 0 || offset > int64(f.info.Size) {
		return 0, checkpoint.Wrap(fmt.Errorf("%w, offset: %v", afero.ErrOutOfRange, offset), ErrSeekFile)
	}

	f.offset = offset
	return offset, nil
}

func (f *File) Name() string {
	if f.isRoot {
		return "/"
	}
	return f.info.Name()
}

// Readdir reads the contents of the root directory. Only the root handle
// supports it; regular files return syscall.ENOTDIR.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if !f.isRoot {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	entries, err := f.vol.readRoot()
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	var eof error
	end := len(entries)
	if count > 0 {
		if int(f.offset)+count <= len(entries) {
			end = int(f.offset) + count
		} else {
			eof = io.EOF
		}
	}

	if int(f.offset) > end {
		return nil, io.EOF
	}
	entries = entries[f.offset:end]
	f.offset = int64(end)

	result := make([]os.FileInfo, len(entries))
	for i := range entries {
		result[i] = entries[i].FileInfo()
	}
	return result, eof
}

func (f *File) Readdirnames(count int) ([]string, error) {
	entries, err := f.Readdir(count)
	if err != nil && err != io.EOF {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	return names, err
}

func (f *File) Stat() (os.FileInfo, error) {
	if f.isRoot {
		return rootFileInfo{}, nil
	}
	return f.info.FileInfo(), nil
}

func (f *File) Sync() error { return nil }

func (f *File) Write(p []byte) (int, error) {
	return 0, checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return 0, checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (f *File) WriteString(s string) (int, error) {
	return 0, checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

func (f *File) Truncate(size int64) error {
	return checkpoint.Wrap(syscall.EPERM, ErrReadOnly)
}

// readFileAt copies up to len(dst) bytes of the file starting at byte
// offset off into dst, walking the cluster chain from first. Reads are
// truncated at the file size; a chain that ends before the requested range
// is an ErrReadFile.
func (v *Volume) readFileAt(dst []byte, first Cluster, size uint32, off int64) (int, error) {
	if !v.mounted {
		return 0, checkpoint.From(ErrNotMounted)
	}
	if off >= int64(size) {
		return 0, nil
	}

	clusterSize := int64(v.ClusterSize())
	want := int64(len(dst))
	if limit := int64(size) - off; want > limit {
		want = limit
	}

	cluster := first
	for skip := off / clusterSize; skip > 0 && !cluster.IsEndOfChain(); skip-- {
		next, err := v.NextCluster(cluster)
		if err != nil {
			return 0, err
		}
		cluster = next
	}

	n := int64(0)
	pos := off
	for n < want {
		if cluster.IsEndOfChain() {
			return int(n), checkpoint.From(ErrReadFile)
		}

		inCluster := pos % clusterSize
		sector := v.ClusterToSector(cluster) + Sector(inCluster/SectorSize)
		sectorOffset := inCluster % SectorSize

		if err := v.fetch(sector); err != nil {
			return int(n), checkpoint.Wrap(err, ErrRead)
		}

		chunk := int64(SectorSize) - sectorOffset
		if chunk > want-n {
			chunk = want - n
		}
		copy(dst[n:n+chunk], v.window.buf[sectorOffset:sectorOffset+chunk])
		n += chunk
		pos += chunk

		if pos%clusterSize == 0 {
			next, err := v.NextCluster(cluster)
			if err != nil {
				return int(n), err
			}
			cluster = next
		}
	}
	return int(n), nil
}
