// Command player plays a media container from a FAT32 disk image: video in
// an ebiten window, audio through oto. It drives the same read pipeline the
// embedded target uses, with an in-memory image standing in for the card.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/ledgren/mediacard/diskimg"
	"github.com/ledgren/mediacard/fat"
	"github.com/ledgren/mediacard/media"
)

const (
	frameRate  = 30
	windowZoom = 4
	volumeStep = 10
)

// game owns the open media file. The oto callback runs on its own
// goroutine, so every access to the file goes through mu.
type game struct {
	mu   sync.Mutex
	file *media.File

	frame  uint32
	raw    []byte
	pixels []byte
	loop   bool
}

func (g *game) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowUp) {
		g.adjustVolume(volumeStep)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyArrowDown) {
		g.adjustVolume(-volumeStep)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frame >= g.file.FrameCount() {
		if !g.loop {
			return ebiten.Termination
		}
		g.frame = 0
	}
	if err := g.file.ReadFrameAt(g.frame, g.raw); err != nil {
		return err
	}
	g.frame++

	expandFrame(g.pixels, g.raw)
	return nil
}

func (g *game) adjustVolume(delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := int(g.file.Volume()) + delta
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	g.file.SetVolume(uint8(v))
	ebiten.SetWindowTitle(fmt.Sprintf("mediacard player (volume %d%%)", v))
}

func (g *game) Draw(screen *ebiten.Image) {
	screen.WritePixels(g.pixels)
}

func (g *game) Layout(_, _ int) (int, int) {
	return media.FrameWidth, media.FrameHeight
}

// expandFrame converts a 1-bit-per-pixel frame (row major, MSB first) into
// RGBA.
func expandFrame(dst, src []byte) {
	for i, b := range src {
		for bit := 0; bit < 8; bit++ {
			v := byte(0)
			if b&(0x80>>bit) != 0 {
				v = 0xFF
			}
			p := (i*8 + bit) * 4
			dst[p] = v
			dst[p+1] = v
			dst[p+2] = v
			dst[p+3] = 0xFF
		}
	}
}

// audioStream adapts the media file's pull API to the io.Reader oto
// expects, re-expanding the 12-bit DAC samples to signed 16-bit PCM.
type audioStream struct {
	g     *game
	left  []uint16
	right []uint16
}

func newAudioStream(g *game) *audioStream {
	return &audioStream{
		g:     g,
		left:  make([]uint16, 2048),
		right: make([]uint16, 2048),
	}
}

func (s *audioStream) Read(p []byte) (int, error) {
	n := len(p) / 4 // 16-bit stereo frames
	if n > len(s.left) {
		n = len(s.left)
	}
	if n == 0 {
		return 0, nil
	}

	s.g.mu.Lock()
	err := s.g.file.ReadAudioStereo(s.left[:n], s.right[:n])
	s.g.mu.Unlock()
	if err != nil {
		// The samples are already silence; keep the stream alive.
		fmt.Fprintln(os.Stderr, "audio read:", err)
	}

	for i := 0; i < n; i++ {
		l := int32(s.left[i])<<4 - 32768
		r := int32(s.right[i])<<4 - 32768
		binary.LittleEndian.PutUint16(p[i*4:], uint16(int16(l)))
		binary.LittleEndian.PutUint16(p[i*4+2:], uint16(int16(r)))
	}
	return n * 4, nil
}

func run() error {
	var (
		name = flag.String("file", "MOVIE.BIN", "container file name on the volume")
		loop = flag.Bool("loop", false, "restart playback at the end")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("usage: %s [flags] <disk image>", os.Args[0])
	}

	img, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return err
	}

	vol, err := fat.Mount(diskimg.NewDevice(img))
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	info, err := vol.FindFile(*name)
	if err != nil {
		return fmt.Errorf("find %s: %w", *name, err)
	}
	file, err := media.Open(vol, info)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	defer file.Close()

	fmt.Printf("%s: %d frames, %d Hz, %d channels, contiguous=%v\n",
		info.Name(), file.FrameCount(), file.SampleRate(), file.Channels(), file.IsContiguous())

	g := &game{
		file:   file,
		raw:    make([]byte, media.FrameSize),
		pixels: make([]byte, media.FrameWidth*media.FrameHeight*4),
		loop:   *loop,
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   int(file.SampleRate()),
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return fmt.Errorf("audio context: %w", err)
	}
	<-ready

	player := ctx.NewPlayer(newAudioStream(g))
	player.Play()
	defer player.Close()

	ebiten.SetWindowSize(media.FrameWidth*windowZoom, media.FrameHeight*windowZoom)
	ebiten.SetWindowTitle("mediacard player")
	ebiten.SetTPS(frameRate)
	return ebiten.RunGame(g)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
