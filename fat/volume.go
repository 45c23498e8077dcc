package fat

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/ledgren/mediacard/checkpoint"
)

// BootSector holds the BPB fields this implementation consumes, plus the
// absolute region addresses derived from them at mount time.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	SectorsPerFAT     uint32
	RootCluster       Cluster
	TotalSectors      uint32
	PartitionLBA      Sector
	FATStart          Sector
	DataStart         Sector
}

// sectorWindow is a single cached sector, keyed by its absolute address.
// All volume-level disk access goes through it so that repeated FAT and
// directory lookups hitting the same sector cost one device read.
type sectorWindow struct {
	current Sector
	valid   bool
	buf     [SectorSize]byte
}

// Volume is a mounted read-only FAT32 filesystem. It is valid only after a
// successful Mount and is not safe for concurrent use: the sector window
// and the underlying bus are shared, unsynchronized state.
type Volume struct {
	dev     BlockDevice
	boot    BootSector
	window  sectorWindow
	mounted bool
	log     *slog.Logger
}

// Mount reads the partition table and boot sector from dev and returns a
// mounted volume. Volumes without a partition table (superfloppy format)
// are supported; the boot sector is then expected at block 0.
func Mount(dev BlockDevice) (*Volume, error) {
	return MountWithLogger(dev, nil)
}

// MountWithLogger is Mount with an optional logger for mount and read
// diagnostics. A nil logger disables logging.
func MountWithLogger(dev BlockDevice, log *slog.Logger) (*Volume, error) {
	if dev == nil {
		return nil, checkpoint.From(ErrInvalidParam)
	}

	v := &Volume{dev: dev, log: log}

	if err := v.fetch(0); err != nil {
		return nil, checkpoint.Wrap(err, ErrRead)
	}
	if !v.windowSignatureOK() {
		return nil, checkpoint.From(ErrNotFAT32)
	}

	// First MBR partition entry, LBA field. Zero means the device has no
	// partition table and block 0 already is the boot sector.
	v.boot.PartitionLBA = Sector(binary.LittleEndian.Uint32(v.window.buf[0x1BE+8:]))

	if err := v.fetch(v.boot.PartitionLBA); err != nil {
		return nil, checkpoint.Wrap(err, ErrRead)
	}
	if !v.windowSignatureOK() {
		return nil, checkpoint.From(ErrNotFAT32)
	}

	buf := v.window.buf[:]
	v.boot.BytesPerSector = binary.LittleEndian.Uint16(buf[11:])
	v.boot.SectorsPerCluster = buf[13]
	v.boot.ReservedSectors = binary.LittleEndian.Uint16(buf[14:])
	v.boot.NumFATs = buf[16]
	v.boot.TotalSectors = binary.LittleEndian.Uint32(buf[32:])
	v.boot.SectorsPerFAT = binary.LittleEndian.Uint32(buf[36:])
	v.boot.RootCluster = Cluster(binary.LittleEndian.Uint32(buf[44:]))

	switch {
	case v.boot.BytesPerSector != SectorSize:
		return nil, checkpoint.From(ErrNotFAT32)
	case v.boot.SectorsPerCluster == 0:
		return nil, checkpoint.From(ErrNotFAT32)
	case v.boot.NumFATs == 0:
		return nil, checkpoint.From(ErrNotFAT32)
	}

	v.boot.FATStart = v.boot.PartitionLBA + Sector(v.boot.ReservedSectors)
	v.boot.DataStart = v.boot.FATStart +
		Sector(uint32(v.boot.NumFATs)*v.boot.SectorsPerFAT)

	v.mounted = true
	v.debug("mounted",
		slog.Uint64("partition_lba", uint64(v.boot.PartitionLBA)),
		slog.Uint64("data_start", uint64(v.boot.DataStart)),
		slog.Int("sectors_per_cluster", int(v.boot.SectorsPerCluster)))
	return v, nil
}

// Boot returns the parsed boot sector parameters.
func (v *Volume) Boot() BootSector { return v.boot }

// Device returns the underlying block device. The media layer uses it for
// bulk reads that bypass the volume's sector window.
func (v *Volume) Device() BlockDevice { return v.dev }

// ClusterSize returns the cluster size in bytes, or 0 if not mounted.
func (v *Volume) ClusterSize() uint32 {
	if !v.mounted {
		return 0
	}
	return uint32(v.boot.SectorsPerCluster) * SectorSize
}

// NextCluster reads the FAT entry for cluster and returns the next cluster
// in the chain. The returned value may be an end-of-chain marker; callers
// check it with Cluster.IsEndOfChain.
func (v *Volume) NextCluster(cluster Cluster) (Cluster, error) {
	if !v.mounted {
		return 0, checkpoint.From(ErrNotMounted)
	}
	if cluster < 2 {
		return 0, checkpoint.From(ErrInvalidParam)
	}

	// FAT32 entries are 4 bytes wide.
	offset := uint32(cluster) * 4
	sector := v.boot.FATStart + Sector(offset/SectorSize)

	if err := v.fetch(sector); err != nil {
		return 0, checkpoint.Wrap(err, ErrRead)
	}

	next := binary.LittleEndian.Uint32(v.window.buf[offset%SectorSize:])
	return Cluster(next & clusterValueMask), nil
}

// ClusterToSector translates a cluster number to the absolute sector of its
// first block. Invalid cluster numbers (< 2) map to sector 0, which callers
// treat as "no read".
func (v *Volume) ClusterToSector(cluster Cluster) Sector {
	if !v.mounted || cluster < 2 {
		return 0
	}
	return v.boot.DataStart +
		Sector(uint32(cluster-2)*uint32(v.boot.SectorsPerCluster))
}

// fetch loads the given absolute sector into the window. Fetching the
// sector that is already loaded is free.
func (v *Volume) fetch(sector Sector) error {
	if v.window.valid && v.window.current == sector {
		return nil
	}
	v.window.valid = false
	if err := v.dev.ReadBlock(v.window.buf[:], uint32(sector)); err != nil {
		v.logerror("fetch", slog.Uint64("sector", uint64(sector)))
		return err
	}
	v.window.current = sector
	v.window.valid = true
	return nil
}

func (v *Volume) windowSignatureOK() bool {
	return v.window.buf[510] == 0x55 && v.window.buf[511] == 0xAA
}

func (v *Volume) debug(msg string, attrs ...slog.Attr) {
	if v.log != nil {
		v.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (v *Volume) logerror(msg string, attrs ...slog.Attr) {
	if v.log != nil {
		v.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
}
