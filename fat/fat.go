// Package fat implements a read-only FAT32 filesystem on top of a
// block-addressed storage device.
//
// The feature set is deliberately small: 512-byte sectors, short (8.3)
// names and root-directory lookup only. It is meant as the middle layer of
// a media playback pipeline where a single file is located once and then
// streamed, but the mounted volume is also exposed as an afero.Fs for
// generic consumers.
package fat

import "errors"

// SectorSize is the only sector size this implementation supports. It
// matches the SD card block size so sectors map 1:1 onto device blocks.
const SectorSize = 512

const (
	dirEntrySize      = 32
	entriesPerSector  = SectorSize / dirEntrySize
	shortNameLength   = 11
	endOfChainMinimum = 0x0FFFFFF8
	clusterValueMask  = 0x0FFFFFFF // FAT32 entries use 28 significant bits.
)

// Directory entry attribute bits.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	attrLongName  = 0x0F
)

// These errors may occur while mounting or reading a volume.
var (
	ErrInvalidParam = errors.New("invalid parameter")
	ErrNotMounted   = errors.New("volume is not mounted")
	ErrNotFAT32     = errors.New("no FAT32 filesystem found")
	ErrRead         = errors.New("block device read failed")
	ErrNotFound     = errors.New("file not found")
	ErrReadOnly     = errors.New("filesystem is read-only")
	ErrReadFile     = errors.New("could not read file completely")
	ErrSeekFile     = errors.New("could not seek inside of the file")
	ErrReadDir      = errors.New("could not read the directory")
)

// BlockDevice provides 512-byte block reads by logical block address.
// It is implemented by sdcard.Card and by diskimg.Device.
//
// Generated mock using mockgen:
//
//	mockgen -source=fat.go -destination=mock_device_test.go -package fat
type BlockDevice interface {
	// ReadBlock fills dst (512 bytes) with the block at lba.
	ReadBlock(dst []byte, lba uint32) error
	// ReadBlocks fills dst (count*512 bytes) with count consecutive
	// blocks starting at lba.
	ReadBlocks(dst []byte, lba uint32, count uint32) error
}

// Cluster is a FAT allocation unit number. Clusters 0 and 1 are reserved;
// data clusters start at 2.
type Cluster uint32

// IsEndOfChain reports whether c terminates a cluster chain, either as an
// explicit end-of-chain marker or as an invalid cluster number.
func (c Cluster) IsEndOfChain() bool {
	return c < 2 || c >= endOfChainMinimum
}

// Sector is an absolute logical block address on the underlying device.
type Sector uint32
