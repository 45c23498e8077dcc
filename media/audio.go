package media

import (
	"encoding/binary"

	"github.com/ledgren/mediacard/checkpoint"
)

// ReadAudioStereo reads the next run of stereo samples from the audio
// cursor, converts them, and deinterleaves them into left and right. The
// sample count is min(len(left), len(right)), clamped to the internal
// scratch capacity.
//
// Conversion per channel: scale by volume/100, re-bias by +32768 and shift
// right by 4, mapping signed 16-bit PCM onto the 12-bit unsigned DAC
// domain. Samples past the end of the stream are filled with Silence and
// do not advance the cursor. If the underlying read fails, the whole
// requested range is filled with Silence so a transient storage hiccup
// degrades to a quiet gap instead of a corrupted waveform; the error is
// still returned.
//
// Before returning, the generation counter is published with release
// ordering; a consumer that observes the new generation observes the
// written samples.
func (f *File) ReadAudioStereo(left, right []uint16) error {
	if !f.open {
		return checkpoint.From(ErrNotOpen)
	}
	if left == nil || right == nil {
		return checkpoint.From(ErrInvalidParam)
	}

	count := len(left)
	if len(right) < count {
		count = len(right)
	}
	if count > maxAudioReadSamples {
		count = maxAudioReadSamples
	}
	left = left[:count]
	right = right[:count]

	total := f.SampleCount()
	if f.currentSample >= total {
		fillSilence(left, right, 0)
		f.generation.Add(1)
		return nil
	}

	toRead := uint32(count)
	if available := total - f.currentSample; toRead > available {
		toRead = available
	}

	offset := f.audioOffset + f.currentSample*bytesPerSample
	raw := f.audioBuf[:toRead*bytesPerSample]

	if err := f.readAt(offset, raw); err != nil {
		fillSilence(left, right, 0)
		f.generation.Add(1)
		return checkpoint.Wrap(err, ErrRead)
	}

	volume := int32(f.volumePercent)
	for i := uint32(0); i < toRead; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(raw[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(raw[i*4+2:])))

		l = l * volume / 100
		r = r * volume / 100

		left[i] = uint16((l + 32768) >> 4)
		right[i] = uint16((r + 32768) >> 4)
	}
	f.currentSample += toRead

	fillSilence(left, right, int(toRead))
	f.generation.Add(1)
	return nil
}

func fillSilence(left, right []uint16, from int) {
	for i := from; i < len(left); i++ {
		left[i] = Silence
		right[i] = Silence
	}
}
