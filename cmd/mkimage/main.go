// Command mkimage builds a FAT32 disk image holding a generated demo media
// container: a moving test pattern with a stereo sine tone. The fragmented
// flag scatters the file's clusters so the fragmented read path can be
// exercised on real hardware and in the player.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/ledgren/mediacard/diskimg"
	"github.com/ledgren/mediacard/media"
)

const frameRate = 30

func run() error {
	var (
		out         = flag.String("o", "demo.img", "output image path")
		name        = flag.String("file", "MOVIE.BIN", "container file name on the volume")
		seconds     = flag.Int("seconds", 5, "playback duration")
		sampleRate  = flag.Int("rate", 32000, "audio sample rate in Hz")
		fragmented  = flag.Bool("fragmented", false, "scatter the file's clusters")
		partitioned = flag.Bool("partitioned", false, "wrap the volume in an MBR partition table")
		clusterSize = flag.Int("cluster", 8, "sectors per cluster")
	)
	flag.Parse()

	frames := makeFrames(*seconds * frameRate)
	pcm := makeTone(*seconds, *sampleRate)

	blob, err := diskimg.BuildMedia(frames, pcm, uint32(*sampleRate), 2, 16)
	if err != nil {
		return err
	}

	b := diskimg.Builder{
		SectorsPerCluster: uint8(*clusterSize),
		Fragmented:        *fragmented,
		Partitioned:       *partitioned,
	}
	b.AddFile(*name, blob)
	img, err := b.Build()
	if err != nil {
		return err
	}

	if err := os.WriteFile(*out, img, 0644); err != nil {
		return err
	}
	fmt.Printf("%s: %d KiB, %s is %d frames and %d samples (fragmented=%v)\n",
		*out, len(img)/1024, *name, len(frames), len(pcm)/2, *fragmented)
	return nil
}

// makeFrames renders a vertical bar sweeping over a checkerboard, 1 bit per
// pixel, row major, MSB first.
func makeFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frame := make([]byte, media.FrameSize)
		barX := (i * 3) % media.FrameWidth
		for y := 0; y < media.FrameHeight; y++ {
			for x := 0; x < media.FrameWidth; x++ {
				on := (x/8+y/8)%2 == 0
				if x == barX || x == barX+1 {
					on = !on
				}
				if on {
					frame[(y*media.FrameWidth+x)/8] |= 0x80 >> (x % 8)
				}
			}
		}
		frames[i] = frame
	}
	return frames
}

// makeTone synthesizes interleaved stereo PCM: 440 Hz left, 330 Hz right.
func makeTone(seconds, rate int) []int16 {
	n := seconds * rate
	pcm := make([]int16, 2*n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(rate)
		pcm[2*i] = int16(0.4 * 32767 * math.Sin(2*math.Pi*440*t))
		pcm[2*i+1] = int16(0.4 * 32767 * math.Sin(2*math.Pi*330*t))
	}
	return pcm
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
