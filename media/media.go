// Package media reads the player's container format from a file on a
// mounted FAT32 volume: a fixed header, a run of fixed-size 1-bit video
// frames, and interleaved 16-bit stereo PCM.
//
// Video frames are addressed by index and read positionally; audio is
// consumed through a monotonically advancing sample cursor with on-the-fly
// volume scaling and conversion to the 12-bit unsigned range a DAC expects.
// Files whose clusters form one unbroken run are detected at open time and
// served through direct multi-block reads instead of per-access cluster
// chain walks.
package media

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/ledgren/mediacard/checkpoint"
	"github.com/ledgren/mediacard/fat"
)

const (
	// HeaderSize is the fixed container header length in bytes.
	HeaderSize = 20
	// FrameWidth and FrameHeight are the video frame dimensions; each
	// frame is stored as 1 bit per pixel.
	FrameWidth  = 128
	FrameHeight = 64
	// FrameSize is the byte size of one stored frame.
	FrameSize = FrameWidth * FrameHeight / 8
	// Silence is the DAC midpoint value in the 12-bit unsigned domain.
	Silence = 2048
	// DefaultVolume is the volume percentage a freshly opened file uses.
	DefaultVolume = 50
)

const (
	// maxAudioReadSamples bounds one ReadAudioStereo call; it matches the
	// audio output driver's half-buffer size.
	maxAudioReadSamples = 2048
	bytesPerSample      = 4 // 16-bit stereo

	defaultContiguitySlack = 10
	defaultMaxBulkBlocks   = 16
)

// These errors may occur while opening or reading a media file.
var (
	ErrInvalidParam = errors.New("invalid parameter")
	ErrNotOpen      = errors.New("media file is not open")
	ErrRead         = errors.New("media read failed")
)

// Config carries optional open-time settings; the zero value selects
// defaults.
type Config struct {
	// ContiguitySlack is how many clusters beyond the expected count the
	// contiguity walk may take before the file is treated as fragmented.
	// The chain of a contiguous file can exceed the size-implied count by
	// a little due to cluster rounding.
	ContiguitySlack uint32
	// MaxBulkBlocks caps a single multi-block read on the contiguous
	// fast path.
	MaxBulkBlocks uint32
}

func (c Config) withDefaults() Config {
	if c.ContiguitySlack == 0 {
		c.ContiguitySlack = defaultContiguitySlack
	}
	if c.MaxBulkBlocks == 0 {
		c.MaxBulkBlocks = defaultMaxBulkBlocks
	}
	return c
}

// File is an open media file. It is owned by a single goroutine; only the
// published generation counter is safe to read concurrently.
type File struct {
	vol *fat.Volume
	dev fat.BlockDevice

	// Container metadata.
	frameCount    uint32
	audioSize     uint32
	sampleRate    uint32
	channels      uint32
	bitsPerSample uint32

	firstCluster fat.Cluster
	fileSize     uint32
	clusterSize  uint32

	videoOffset uint32
	audioOffset uint32

	currentSample uint32
	volumePercent uint8
	open          bool

	// One-entry cluster cache for forward reads.
	cachedCluster      fat.Cluster
	cachedClusterIndex uint32

	// Contiguous fast path.
	contiguous  bool
	firstSector fat.Sector

	slack         uint32
	maxBulkBlocks uint32

	// Scratch storage, sized once at open.
	sectorBuf [fat.SectorSize]byte
	audioBuf  []byte

	// generation is bumped after every completed audio conversion; a
	// consumer in another context that observes the new value is
	// guaranteed to observe the converted samples.
	generation atomic.Uint32
}

// Open reads the container header of the file described by info and
// prepares it for playback with default settings.
func Open(vol *fat.Volume, info fat.FileInfo) (*File, error) {
	return OpenConfig(vol, info, Config{})
}

// OpenConfig is Open with explicit configuration.
func OpenConfig(vol *fat.Volume, info fat.FileInfo, cfg Config) (*File, error) {
	if vol == nil || vol.ClusterSize() == 0 {
		return nil, checkpoint.From(ErrInvalidParam)
	}
	if info.Size < HeaderSize || info.FirstCluster < 2 {
		return nil, checkpoint.From(ErrInvalidParam)
	}
	cfg = cfg.withDefaults()

	f := &File{
		vol:           vol,
		dev:           vol.Device(),
		firstCluster:  info.FirstCluster,
		fileSize:      info.Size,
		clusterSize:   vol.ClusterSize(),
		volumePercent: DefaultVolume,
		slack:         cfg.ContiguitySlack,
		maxBulkBlocks: cfg.MaxBulkBlocks,
		audioBuf:      make([]byte, maxAudioReadSamples*bytesPerSample),
	}

	sector := vol.ClusterToSector(info.FirstCluster)
	if err := f.dev.ReadBlock(f.sectorBuf[:], uint32(sector)); err != nil {
		return nil, checkpoint.Wrap(err, ErrRead)
	}

	header := f.sectorBuf[:HeaderSize]
	f.frameCount = binary.LittleEndian.Uint32(header[0:])
	f.audioSize = binary.LittleEndian.Uint32(header[4:])
	f.sampleRate = binary.LittleEndian.Uint32(header[8:])
	f.channels = binary.LittleEndian.Uint32(header[12:])
	f.bitsPerSample = binary.LittleEndian.Uint32(header[16:])

	f.videoOffset = HeaderSize
	f.audioOffset = HeaderSize + f.frameCount*FrameSize

	f.open = true
	f.checkContiguous()
	return f, nil
}

// Close resets the playback cursor, the cluster cache and the fast-path
// state so the handle is inert.
func (f *File) Close() {
	f.open = false
	f.currentSample = 0
	f.cachedCluster = 0
	f.cachedClusterIndex = 0
	f.contiguous = false
	f.firstSector = 0
}

// SetVolume sets the playback volume as a percentage; values above 100 are
// clamped.
func (f *File) SetVolume(percent uint8) {
	if percent > 100 {
		percent = 100
	}
	f.volumePercent = percent
}

// Volume returns the current playback volume percentage.
func (f *File) Volume() uint8 { return f.volumePercent }

// IsContiguous reports whether the file's clusters form one unbroken run
// and the multi-block fast path is active.
func (f *File) IsContiguous() bool { return f.contiguous }

// FrameCount returns the number of video frames in the container.
func (f *File) FrameCount() uint32 { return f.frameCount }

// SampleRate returns the audio sample rate in Hz.
func (f *File) SampleRate() uint32 { return f.sampleRate }

// Channels returns the audio channel count declared by the header.
func (f *File) Channels() uint32 { return f.channels }

// BitsPerSample returns the PCM bit depth declared by the header.
func (f *File) BitsPerSample() uint32 { return f.bitsPerSample }

// SampleCount returns the total number of stereo sample frames.
func (f *File) SampleCount() uint32 { return f.audioSize / bytesPerSample }

// DurationSeconds returns the playback duration at the given frame rate.
func (f *File) DurationSeconds(fps uint32) uint32 {
	if fps == 0 {
		return 0
	}
	return f.frameCount / fps
}

// Generation returns the audio publication counter. See ReadAudioStereo.
func (f *File) Generation() uint32 { return f.generation.Load() }

// ReadFrameAt reads the video frame with the given index into dst, which
// must hold at least FrameSize bytes. Frame reads never move the audio
// cursor.
func (f *File) ReadFrameAt(index uint32, dst []byte) error {
	if !f.open {
		return checkpoint.From(ErrNotOpen)
	}
	if dst == nil || len(dst) < FrameSize {
		return checkpoint.From(ErrInvalidParam)
	}
	if index >= f.frameCount {
		return checkpoint.From(ErrInvalidParam)
	}
	return f.readAt(f.videoOffset+index*FrameSize, dst[:FrameSize])
}
