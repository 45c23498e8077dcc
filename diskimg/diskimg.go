// Package diskimg builds small FAT32 disk images and media container files
// in memory. It is the offline counterpart of the read pipeline: tests and
// the mkimage command use it to produce volumes with precisely controlled
// layout, including deliberately fragmented cluster chains.
package diskimg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SectorSize is the only sector size the builder emits.
const SectorSize = 512

const (
	dirEntrySize = 32
	fatEntrySize = 4
	rootCluster  = 2
	endOfChain   = 0x0FFFFFFF
	mediaType    = 0xF8
)

// Builder assembles a FAT32 volume. The zero value produces a superfloppy
// (no partition table) with 1-sector clusters and 2 FATs.
type Builder struct {
	// SectorsPerCluster must be a power of two; 0 means 1.
	SectorsPerCluster uint8
	// ReservedSectors before the first FAT; 0 means 32.
	ReservedSectors uint16
	// NumFATs is the FAT copy count; 0 means 2.
	NumFATs uint8
	// Partitioned wraps the volume in an MBR with one partition.
	Partitioned bool
	// PartitionStart is the partition's first LBA when Partitioned;
	// 0 means 64.
	PartitionStart uint32
	// Fragmented allocates file clusters with a one-cluster gap between
	// consecutive clusters, breaking every file's contiguity.
	Fragmented bool

	files []fileSpec
}

type fileSpec struct {
	name string
	data []byte
}

// AddFile schedules a file for the root directory. name must be an 8.3
// name like "BADAPPLE.BIN".
func (b *Builder) AddFile(name string, data []byte) {
	b.files = append(b.files, fileSpec{name: name, data: data})
}

// Build assembles the image.
func (b *Builder) Build() ([]byte, error) {
	spc := b.SectorsPerCluster
	if spc == 0 {
		spc = 1
	}
	if spc&(spc-1) != 0 {
		return nil, errors.New("diskimg: sectors per cluster must be a power of two")
	}
	reserved := b.ReservedSectors
	if reserved == 0 {
		reserved = 32
	}
	numFATs := b.NumFATs
	if numFATs == 0 {
		numFATs = 2
	}
	partStart := uint32(0)
	if b.Partitioned {
		partStart = b.PartitionStart
		if partStart == 0 {
			partStart = 64
		}
	}

	clusterSize := uint32(spc) * SectorSize
	if len(b.files) > int(clusterSize/dirEntrySize) {
		return nil, errors.New("diskimg: too many files for a single root directory cluster")
	}

	step := uint32(1)
	if b.Fragmented {
		step = 2
	}

	// Allocate cluster chains. Cluster 2 is the root directory.
	chains := make([][]uint32, len(b.files))
	next := uint32(rootCluster + 1)
	maxCluster := uint32(rootCluster)
	for i, f := range b.files {
		n := (uint32(len(f.data)) + clusterSize - 1) / clusterSize
		chain := make([]uint32, 0, n)
		for j := uint32(0); j < n; j++ {
			chain = append(chain, next)
			if next > maxCluster {
				maxCluster = next
			}
			next += step
		}
		// Start the next file's chain off the previous one's gap stride
		// so fragmented files never interleave.
		chains[i] = chain
	}

	fatEntries := maxCluster + 1
	fatSectors := (fatEntries*fatEntrySize + SectorSize - 1) / SectorSize
	dataStart := partStart + uint32(reserved) + uint32(numFATs)*fatSectors
	dataSectors := (maxCluster - 1) * uint32(spc) // clusters 2..maxCluster
	totalSectors := dataStart + dataSectors

	img := make([]byte, totalSectors*SectorSize)

	if b.Partitioned {
		writeMBR(img, partStart, totalSectors-partStart)
	}
	writeBPB(img[partStart*SectorSize:], spc, reserved, numFATs, fatSectors, totalSectors-partStart)

	// FAT copies.
	fat := make([]byte, fatSectors*SectorSize)
	putFAT := func(cluster, value uint32) {
		binary.LittleEndian.PutUint32(fat[cluster*fatEntrySize:], value)
	}
	putFAT(0, 0x0FFFFF00|mediaType)
	putFAT(1, endOfChain)
	putFAT(rootCluster, endOfChain)
	for _, chain := range chains {
		for j, cluster := range chain {
			if j+1 < len(chain) {
				putFAT(cluster, chain[j+1])
			} else {
				putFAT(cluster, endOfChain)
			}
		}
	}
	for i := uint32(0); i < uint32(numFATs); i++ {
		fatOffset := (partStart + uint32(reserved) + i*fatSectors) * SectorSize
		copy(img[fatOffset:], fat)
	}

	clusterOffset := func(cluster uint32) uint32 {
		return (dataStart + (cluster-rootCluster)*uint32(spc)) * SectorSize
	}

	// Root directory entries.
	root := img[clusterOffset(rootCluster):]
	for i, f := range b.files {
		first := uint32(0)
		if len(chains[i]) > 0 {
			first = chains[i][0]
		}
		writeDirEntry(root[i*dirEntrySize:], f.name, first, uint32(len(f.data)))
	}

	// File payloads.
	for i, f := range b.files {
		data := f.data
		for _, cluster := range chains[i] {
			n := copy(img[clusterOffset(cluster):], data[:minInt(len(data), int(clusterSize))])
			data = data[n:]
		}
	}

	return img, nil
}

func writeMBR(img []byte, partStart, partSectors uint32) {
	entry := img[0x1BE:]
	entry[0] = 0x80 // bootable
	entry[4] = 0x0C // FAT32 LBA
	binary.LittleEndian.PutUint32(entry[8:], partStart)
	binary.LittleEndian.PutUint32(entry[12:], partSectors)
	img[510] = 0x55
	img[511] = 0xAA
}

func writeBPB(sector []byte, spc uint8, reserved uint16, numFATs uint8, fatSectors, totalSectors uint32) {
	copy(sector[0:], []byte{0xEB, 0x58, 0x90})
	copy(sector[3:], "MSWIN4.1")
	binary.LittleEndian.PutUint16(sector[11:], SectorSize)
	sector[13] = spc
	binary.LittleEndian.PutUint16(sector[14:], reserved)
	sector[16] = numFATs
	sector[21] = mediaType
	binary.LittleEndian.PutUint32(sector[32:], totalSectors)
	binary.LittleEndian.PutUint32(sector[36:], fatSectors)
	binary.LittleEndian.PutUint32(sector[44:], rootCluster)
	copy(sector[82:], "FAT32   ")
	sector[510] = 0x55
	sector[511] = 0xAA
}

func writeDirEntry(entry []byte, name string, firstCluster, size uint32) {
	shortName := convertName(name)
	copy(entry[0:], shortName[:])
	entry[11] = 0x20 // archive
	binary.LittleEndian.PutUint16(entry[20:], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(entry[26:], uint16(firstCluster))
	binary.LittleEndian.PutUint32(entry[28:], size)
}

// convertName converts "NAME.EXT" to the padded 11-byte on-disk form.
func convertName(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	i, o := 0, 0
	for i < len(name) && name[i] != '.' && o < 8 {
		out[o] = upper(name[i])
		o++
		i++
	}
	for i < len(name) && name[i] != '.' {
		i++
	}
	if i < len(name) {
		i++ // dot
	}
	o = 8
	for i < len(name) && o < 11 {
		out[o] = upper(name[i])
		o++
		i++
	}
	return out
}

func upper(c byte) byte {
	if 'a' <= c && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Device is an in-memory BlockDevice over a built image. It counts read
// operations so interaction tests can assert how many device reads an
// operation cost.
type Device struct {
	img []byte

	// ReadOps counts ReadBlock/ReadBlocks calls; BlocksRead counts
	// transferred blocks.
	ReadOps    int
	BlocksRead int

	// Fail, when set, makes every read return this error.
	Fail error
}

// NewDevice wraps an image in a block device.
func NewDevice(img []byte) *Device {
	return &Device{img: img}
}

func (d *Device) ReadBlock(dst []byte, lba uint32) error {
	return d.ReadBlocks(dst[:SectorSize], lba, 1)
}

func (d *Device) ReadBlocks(dst []byte, lba uint32, count uint32) error {
	d.ReadOps++
	if d.Fail != nil {
		return d.Fail
	}
	if count == 0 || len(dst) < int(count)*SectorSize {
		return fmt.Errorf("diskimg: bad read size %d for %d blocks", len(dst), count)
	}
	offset := int(lba) * SectorSize
	end := offset + int(count)*SectorSize
	if offset < 0 || end > len(d.img) {
		return fmt.Errorf("diskimg: read [%d,%d) outside image of %d bytes", offset, end, len(d.img))
	}
	copy(dst[:count*SectorSize], d.img[offset:end])
	d.BlocksRead += int(count)
	return nil
}
