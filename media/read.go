package media

import (
	"github.com/ledgren/mediacard/checkpoint"
	"github.com/ledgren/mediacard/fat"
)

// readAt reads len(dst) bytes at the given file byte offset, dispatching to
// the contiguous fast path when it is active. Reads are silently truncated
// at end of file.
func (f *File) readAt(offset uint32, dst []byte) error {
	if !f.open {
		return checkpoint.From(ErrNotOpen)
	}
	if dst == nil {
		return checkpoint.From(ErrInvalidParam)
	}
	if f.contiguous && f.firstSector != 0 {
		return f.readAtContiguous(offset, dst)
	}
	return f.readAtFragmented(offset, dst)
}

// clusterAt resolves the cluster containing the given byte offset. The
// one-entry cache is reused as a starting point only while its recorded
// chain index does not overshoot the target; otherwise the walk restarts
// from the file's first cluster.
func (f *File) clusterAt(offset uint32) (fat.Cluster, error) {
	target := offset / f.clusterSize

	cluster := f.firstCluster
	start := uint32(0)
	if f.cachedCluster != 0 && f.cachedClusterIndex <= target {
		cluster = f.cachedCluster
		start = f.cachedClusterIndex
	}

	for i := start; i < target && !cluster.IsEndOfChain(); i++ {
		next, err := f.vol.NextCluster(cluster)
		if err != nil {
			return 0, err
		}
		cluster = next
	}

	f.cachedCluster = cluster
	f.cachedClusterIndex = target
	return cluster, nil
}

// readAtFragmented serves a read by walking the cluster chain per access,
// one sector at a time through the file's scratch buffer.
func (f *File) readAtFragmented(offset uint32, dst []byte) error {
	for len(dst) > 0 && offset < f.fileSize {
		cluster, err := f.clusterAt(offset)
		if err != nil {
			return err
		}
		if cluster.IsEndOfChain() {
			break
		}

		offsetInCluster := offset % f.clusterSize
		sector := f.vol.ClusterToSector(cluster) +
			fat.Sector(offsetInCluster/fat.SectorSize)
		sectorOffset := offsetInCluster % fat.SectorSize

		if err := f.dev.ReadBlock(f.sectorBuf[:], uint32(sector)); err != nil {
			return checkpoint.Wrap(err, ErrRead)
		}

		chunk := uint32(fat.SectorSize) - sectorOffset
		if chunk > uint32(len(dst)) {
			chunk = uint32(len(dst))
		}
		if offset+chunk > f.fileSize {
			chunk = f.fileSize - offset
		}

		copy(dst[:chunk], f.sectorBuf[sectorOffset:sectorOffset+chunk])
		dst = dst[chunk:]
		offset += chunk
	}
	return nil
}

// readAtContiguous serves a read by direct sector arithmetic from the
// cached first sector. Whole aligned sector runs go straight into dst with
// a single multi-block read; unaligned head and tail spans fall back to the
// scratch buffer.
func (f *File) readAtContiguous(offset uint32, dst []byte) error {
	for len(dst) > 0 && offset < f.fileSize {
		sector := f.firstSector + fat.Sector(offset/fat.SectorSize)
		sectorOffset := offset % fat.SectorSize

		if sectorOffset != 0 || len(dst) < fat.SectorSize {
			if err := f.dev.ReadBlock(f.sectorBuf[:], uint32(sector)); err != nil {
				return checkpoint.Wrap(err, ErrRead)
			}

			chunk := uint32(fat.SectorSize) - sectorOffset
			if chunk > uint32(len(dst)) {
				chunk = uint32(len(dst))
			}
			if offset+chunk > f.fileSize {
				chunk = f.fileSize - offset
			}

			copy(dst[:chunk], f.sectorBuf[sectorOffset:sectorOffset+chunk])
			dst = dst[chunk:]
			offset += chunk
			continue
		}

		sectorsAvailable := (f.fileSize - offset) / fat.SectorSize
		count := uint32(len(dst)) / fat.SectorSize
		if count > sectorsAvailable {
			count = sectorsAvailable
		}
		if count > f.maxBulkBlocks {
			count = f.maxBulkBlocks
		}
		if count == 0 {
			// Less than a full sector remains in the file; the scratch
			// path above finishes the read.
			if err := f.dev.ReadBlock(f.sectorBuf[:], uint32(sector)); err != nil {
				return checkpoint.Wrap(err, ErrRead)
			}
			chunk := f.fileSize - offset
			copy(dst[:chunk], f.sectorBuf[:chunk])
			return nil
		}

		n := count * fat.SectorSize
		if err := f.dev.ReadBlocks(dst[:n], uint32(sector), count); err != nil {
			return checkpoint.Wrap(err, ErrRead)
		}
		dst = dst[n:]
		offset += n
	}
	return nil
}

// checkContiguous walks the full cluster chain and enables the fast path
// when every cluster follows its predecessor directly and the chain length
// matches the file size within the configured slack.
func (f *File) checkContiguous() bool {
	f.contiguous = false
	f.firstSector = 0
	if !f.open {
		return false
	}

	expected := (f.fileSize + f.clusterSize - 1) / f.clusterSize

	cluster := f.firstCluster
	prev := cluster
	count := uint32(0)
	for !cluster.IsEndOfChain() {
		count++
		if count > 1 && cluster != prev+1 {
			return false
		}
		if count > expected+f.slack {
			return false
		}
		prev = cluster

		next, err := f.vol.NextCluster(cluster)
		if err != nil {
			return false
		}
		cluster = next
	}
	if count < expected {
		return false
	}

	f.contiguous = true
	f.firstSector = f.vol.ClusterToSector(f.firstCluster)
	f.cachedCluster = f.firstCluster
	f.cachedClusterIndex = 0
	return true
}
