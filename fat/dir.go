package fat

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/ledgren/mediacard/checkpoint"
)

// FileInfo is the result of a directory lookup: everything needed to locate
// and read a file. It is a plain value and holds no reference to the volume.
type FileInfo struct {
	// FirstCluster is the start of the file's cluster chain.
	FirstCluster Cluster
	// Size is the file size in bytes.
	Size uint32
	// Attributes is the raw attribute byte of the directory entry.
	Attributes byte

	name      string
	writeDate uint16
	writeTime uint16
}

// Name returns the file's short name in "NAME.EXT" form.
func (fi FileInfo) Name() string { return fi.name }

// IsDir reports whether the entry describes a directory.
func (fi FileInfo) IsDir() bool { return fi.Attributes&AttrDirectory != 0 }

// ConvertFilename converts a name like "BADAPPLE.BIN" to the on-disk 8.3
// form: the base name upper-cased and space-padded to 8 bytes, followed by
// the extension space-padded to 3 bytes, no separator. Overlong parts are
// truncated.
func ConvertFilename(name string) [shortNameLength]byte {
	var out [shortNameLength]byte
	for i := range out {
		out[i] = ' '
	}

	i := 0
	o := 0
	for i < len(name) && name[i] != '.' && o < 8 {
		out[o] = upperByte(name[i])
		o++
		i++
	}

	// Skip the rest of an overlong base name up to the extension.
	for i < len(name) && name[i] != '.' {
		i++
	}
	if i < len(name) && name[i] == '.' {
		i++
	}

	o = 8
	for i < len(name) && o < shortNameLength {
		out[o] = upperByte(name[i])
		o++
		i++
	}
	return out
}

func upperByte(c byte) byte {
	if 'a' <= c && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// shortNameString renders an on-disk 8.3 name as "NAME.EXT".
func shortNameString(raw []byte) string {
	name := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:shortNameLength]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// parseEntry decodes a 32-byte directory entry.
func parseEntry(entry []byte) FileInfo {
	return FileInfo{
		FirstCluster: Cluster(uint32(binary.LittleEndian.Uint16(entry[20:]))<<16 |
			uint32(binary.LittleEndian.Uint16(entry[26:]))),
		Size:       binary.LittleEndian.Uint32(entry[28:]),
		Attributes: entry[11],
		name:       shortNameString(entry),
		writeTime:  binary.LittleEndian.Uint16(entry[22:]),
		writeDate:  binary.LittleEndian.Uint16(entry[24:]),
	}
}

// FindFile searches the root directory for name (in normal "NAME.EXT"
// form) and returns its location and size. It returns ErrNotFound if the
// directory ends without a match.
func (v *Volume) FindFile(name string) (FileInfo, error) {
	if !v.mounted {
		return FileInfo{}, checkpoint.From(ErrNotMounted)
	}
	if name == "" {
		return FileInfo{}, checkpoint.From(ErrInvalidParam)
	}
	want := ConvertFilename(name)

	var found FileInfo
	err := v.scanRoot(func(raw []byte, fi FileInfo) bool {
		if [shortNameLength]byte(raw[:shortNameLength]) == want {
			found = fi
			return true
		}
		return false
	})
	if err != nil {
		return FileInfo{}, err
	}
	return found, nil
}

// readRoot lists every file entry in the root directory.
func (v *Volume) readRoot() ([]FileInfo, error) {
	if !v.mounted {
		return nil, checkpoint.From(ErrNotMounted)
	}
	var entries []FileInfo
	err := v.scanRoot(func(_ []byte, fi FileInfo) bool {
		entries = append(entries, fi)
		return false
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return entries, nil
}

// scanRoot walks the root directory cluster chain, invoking visit for each
// live short-name entry. visit returning true stops the walk. A 0x00 entry
// byte terminates the directory; the remaining sectors are never read.
func (v *Volume) scanRoot(visit func(raw []byte, fi FileInfo) bool) error {
	cluster := v.boot.RootCluster

	for !cluster.IsEndOfChain() {
		sector := v.ClusterToSector(cluster)

		for s := uint32(0); s < uint32(v.boot.SectorsPerCluster); s++ {
			if err := v.fetch(sector + Sector(s)); err != nil {
				return checkpoint.Wrap(err, ErrRead)
			}

			for e := 0; e < entriesPerSector; e++ {
				entry := v.window.buf[e*dirEntrySize : (e+1)*dirEntrySize]

				if entry[0] == 0x00 {
					// Free entry: nothing follows.
					return checkpoint.From(ErrNotFound)
				}
				if entry[0] == 0xE5 {
					continue // Deleted.
				}
				if entry[11]&attrLongName == attrLongName {
					continue // Long-name continuation.
				}
				if entry[11]&AttrVolumeID != 0 {
					continue // Volume label.
				}
				if visit(entry, parseEntry(entry)) {
					return nil
				}
			}
		}

		next, err := v.NextCluster(cluster)
		if err != nil {
			return err
		}
		cluster = next
	}
	return checkpoint.From(ErrNotFound)
}
