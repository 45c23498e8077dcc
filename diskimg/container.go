package diskimg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Media container geometry. The header is five little-endian uint32 fields;
// each video frame is a 128x64 1bpp bitmap.
const (
	mediaHeaderSize = 20
	mediaFrameSize  = 1024
)

// BuildMedia encodes frames and interleaved 16-bit PCM samples into the
// container layout: header, frame_count frames of 1024 bytes, then the raw
// sample data.
func BuildMedia(frames [][]byte, pcm []int16, sampleRate, channels, bitsPerSample uint32) ([]byte, error) {
	for i, frame := range frames {
		if len(frame) != mediaFrameSize {
			return nil, fmt.Errorf("diskimg: frame %d is %d bytes, want %d", i, len(frame), mediaFrameSize)
		}
	}
	if channels == 0 {
		return nil, errors.New("diskimg: channel count must be nonzero")
	}
	if len(pcm)%int(channels) != 0 {
		return nil, fmt.Errorf("diskimg: %d samples do not interleave into %d channels", len(pcm), channels)
	}

	audioSize := uint32(len(pcm) * 2)
	out := make([]byte, 0, mediaHeaderSize+len(frames)*mediaFrameSize+int(audioSize))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(frames)))
	out = binary.LittleEndian.AppendUint32(out, audioSize)
	out = binary.LittleEndian.AppendUint32(out, sampleRate)
	out = binary.LittleEndian.AppendUint32(out, channels)
	out = binary.LittleEndian.AppendUint32(out, bitsPerSample)
	for _, frame := range frames {
		out = append(out, frame...)
	}
	for _, s := range pcm {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out, nil
}
