package fat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/golang/mock/gomock"

	"github.com/ledgren/mediacard/diskimg"
)

// volumeTestsError is just an error used in tests for Volume.
var volumeTestsError = errors.New("a super error")

// buildVolume assembles an image with a single test file and mounts it.
func buildVolume(t *testing.T, b diskimg.Builder, name string, data []byte) (*Volume, *diskimg.Device) {
	t.Helper()
	b.AddFile(name, data)
	img, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	dev := diskimg.NewDevice(img)
	vol, err := Mount(dev)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return vol, dev
}

// testPattern returns n bytes with a position-dependent value so that reads
// from a wrong sector are detected.
func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestMount_Superfloppy(t *testing.T) {
	vol, _ := buildVolume(t, diskimg.Builder{}, "HELLO.TXT", testPattern(1500))

	boot := vol.Boot()
	if boot.PartitionLBA != 0 {
		t.Errorf("Boot().PartitionLBA = %v, want 0", boot.PartitionLBA)
	}
	if boot.FATStart != 32 {
		t.Errorf("Boot().FATStart = %v, want 32", boot.FATStart)
	}
	if boot.DataStart != 34 {
		t.Errorf("Boot().DataStart = %v, want 34", boot.DataStart)
	}
	if got := vol.ClusterSize(); got != 512 {
		t.Errorf("ClusterSize() = %v, want 512", got)
	}
}

func TestMount_Partitioned(t *testing.T) {
	vol, _ := buildVolume(t, diskimg.Builder{Partitioned: true}, "HELLO.TXT", testPattern(100))

	boot := vol.Boot()
	if boot.PartitionLBA != 64 {
		t.Errorf("Boot().PartitionLBA = %v, want 64", boot.PartitionLBA)
	}
	if boot.FATStart != 96 {
		t.Errorf("Boot().FATStart = %v, want 96", boot.FATStart)
	}
}

func TestMount_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(img []byte)
		wantErr error
	}{
		{
			name:    "missing boot signature",
			corrupt: func(img []byte) { img[510] = 0 },
			wantErr: ErrNotFAT32,
		},
		{
			name: "unsupported sector size",
			corrupt: func(img []byte) {
				binary.LittleEndian.PutUint16(img[11:], 1024)
			},
			wantErr: ErrNotFAT32,
		},
		{
			name:    "zero sectors per cluster",
			corrupt: func(img []byte) { img[13] = 0 },
			wantErr: ErrNotFAT32,
		},
		{
			name:    "zero FAT count",
			corrupt: func(img []byte) { img[16] = 0 },
			wantErr: ErrNotFAT32,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b diskimg.Builder
			b.AddFile("HELLO.TXT", testPattern(100))
			img, err := b.Build()
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			tt.corrupt(img)

			_, err = Mount(diskimg.NewDevice(img))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Mount() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMount_NilDevice(t *testing.T) {
	if _, err := Mount(nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Mount() error = %v, wantErr %v", err, ErrInvalidParam)
	}
}

func TestMount_DeviceError(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	mockDev := NewMockBlockDevice(mockCtrl)
	mockDev.EXPECT().
		ReadBlock(gomock.Any(), uint32(0)).
		Return(volumeTestsError)

	_, err := Mount(mockDev)
	if !errors.Is(err, ErrRead) {
		t.Errorf("Mount() error = %v, wantErr %v", err, ErrRead)
	}
	if !errors.Is(err, volumeTestsError) {
		t.Errorf("Mount() error = %v does not wrap the device error", err)
	}
}

func TestVolume_NextCluster(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	// Both lookups hit the same FAT sector, so the window must satisfy the
	// second one without another device read. Times(1) enforces that.
	mockDev := NewMockBlockDevice(mockCtrl)
	mockDev.EXPECT().
		ReadBlock(gomock.Any(), uint32(32)).
		Times(1).
		DoAndReturn(func(dst []byte, lba uint32) error {
			binary.LittleEndian.PutUint32(dst[2*4:], 0xF0000003) // upper bits are reserved
			binary.LittleEndian.PutUint32(dst[3*4:], 0x0FFFFFFF)
			return nil
		})

	vol := &Volume{
		dev:     mockDev,
		mounted: true,
		boot:    BootSector{SectorsPerCluster: 1, FATStart: 32, DataStart: 34, RootCluster: 2},
	}

	next, err := vol.NextCluster(2)
	if err != nil {
		t.Fatalf("NextCluster() error = %v", err)
	}
	if next != 3 {
		t.Errorf("NextCluster(2) = %v, want 3", next)
	}

	next, err = vol.NextCluster(3)
	if err != nil {
		t.Fatalf("NextCluster() error = %v", err)
	}
	if !next.IsEndOfChain() {
		t.Errorf("NextCluster(3) = %#x, want an end-of-chain marker", uint32(next))
	}
}

func TestVolume_NextCluster_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		vol     *Volume
		cluster Cluster
		wantErr error
	}{
		{
			name:    "not mounted",
			vol:     &Volume{},
			cluster: 2,
			wantErr: ErrNotMounted,
		},
		{
			name:    "reserved cluster",
			vol:     &Volume{mounted: true},
			cluster: 1,
			wantErr: ErrInvalidParam,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.vol.NextCluster(tt.cluster); !errors.Is(err, tt.wantErr) {
				t.Errorf("Volume.NextCluster() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVolume_FindFile(t *testing.T) {
	data := testPattern(1500)
	vol, dev := buildVolume(t, diskimg.Builder{}, "HELLO.TXT", data)

	opsBefore := dev.ReadOps
	info, err := vol.FindFile("HELLO.TXT")
	if err != nil {
		t.Fatalf("FindFile() error = %v", err)
	}
	if info.FirstCluster != 3 {
		t.Errorf("FindFile().FirstCluster = %v, want 3", info.FirstCluster)
	}
	if info.Size != uint32(len(data)) {
		t.Errorf("FindFile().Size = %v, want %v", info.Size, len(data))
	}
	if info.Name() != "HELLO.TXT" {
		t.Errorf("FindFile().Name() = %q, want %q", info.Name(), "HELLO.TXT")
	}
	if info.IsDir() {
		t.Error("FindFile().IsDir() = true, want false")
	}
	if got := dev.ReadOps - opsBefore; got != 1 {
		t.Errorf("FindFile() cost %d device reads, want 1", got)
	}
}

func TestVolume_FindFile_NotFound(t *testing.T) {
	vol, dev := buildVolume(t, diskimg.Builder{}, "HELLO.TXT", testPattern(100))

	// Warm the window with the directory sector first.
	if _, err := vol.FindFile("HELLO.TXT"); err != nil {
		t.Fatalf("FindFile() error = %v", err)
	}

	// The scan must stop at the first free entry instead of walking the
	// whole root cluster chain, so the warm window satisfies it for free.
	opsBefore := dev.ReadOps
	_, err := vol.FindFile("MISSING.TXT")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindFile() error = %v, wantErr %v", err, ErrNotFound)
	}
	if got := dev.ReadOps - opsBefore; got != 0 {
		t.Errorf("FindFile() cost %d device reads, want 0", got)
	}
}

func TestVolume_FindFile_SkipsNonFiles(t *testing.T) {
	var b diskimg.Builder
	b.AddFile("HELLO.TXT", testPattern(100))
	img, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// Move the real entry to the fourth slot and fill the slots before it
	// with a deleted entry, a volume label and an LFN continuation. The
	// lookup must skip all three.
	root := img[34*512:]
	copy(root[96:128], root[0:32])
	root[0] = 0xE5
	copy(root[32:64], root[96:128])
	root[32+11] = AttrVolumeID
	copy(root[64:96], root[96:128])
	root[64+11] = attrLongName

	vol, err := Mount(diskimg.NewDevice(img))
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	info, err := vol.FindFile("HELLO.TXT")
	if err != nil {
		t.Fatalf("FindFile() error = %v", err)
	}
	if info.FirstCluster != 3 {
		t.Errorf("FindFile().FirstCluster = %v, want 3", info.FirstCluster)
	}
}

func TestFile_ReadAll(t *testing.T) {
	tests := []struct {
		name    string
		builder diskimg.Builder
		size    int
	}{
		{
			name:    "contiguous chain",
			builder: diskimg.Builder{},
			size:    1500,
		},
		{
			name:    "fragmented chain",
			builder: diskimg.Builder{Fragmented: true},
			size:    1500,
		},
		{
			name:    "multi sector clusters",
			builder: diskimg.Builder{SectorsPerCluster: 4},
			size:    5000,
		},
		{
			name:    "exact cluster multiple",
			builder: diskimg.Builder{},
			size:    1024,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testPattern(tt.size)
			vol, _ := buildVolume(t, tt.builder, "DATA.BIN", data)

			f, err := vol.Open("DATA.BIN")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer f.Close()

			got, err := io.ReadAll(f)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("ReadAll() returned wrong content (%d bytes, want %d)", len(got), len(data))
			}
		})
	}
}

func TestFile_ReadAt(t *testing.T) {
	data := testPattern(1500)
	vol, _ := buildVolume(t, diskimg.Builder{}, "DATA.BIN", data)

	f, err := vol.Open("DATA.BIN")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	// Spans the boundary between the first and second cluster.
	p := make([]byte, 600)
	n, err := f.ReadAt(p, 400)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 600 {
		t.Errorf("ReadAt() = %v, want 600", n)
	}
	if !bytes.Equal(p, data[400:1000]) {
		t.Error("ReadAt() returned wrong content")
	}

	// Reads past the end are truncated and flagged with io.EOF.
	n, err = f.ReadAt(p, 1400)
	if err != io.EOF {
		t.Errorf("ReadAt() error = %v, want io.EOF", err)
	}
	if n != 100 {
		t.Errorf("ReadAt() = %v, want 100", n)
	}

	if _, err = f.ReadAt(p, 1500); err != io.EOF {
		t.Errorf("ReadAt() at EOF error = %v, want io.EOF", err)
	}
}

func TestFile_Read_TruncatedChain(t *testing.T) {
	data := testPattern(1500)
	var b diskimg.Builder
	b.AddFile("DATA.BIN", data)
	img, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// Cut the cluster chain after the second cluster while the directory
	// entry still claims 1500 bytes.
	binary.LittleEndian.PutUint32(img[32*512+4*4:], 0x0FFFFFFF)

	vol, err := Mount(diskimg.NewDevice(img))
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	f, err := vol.Open("DATA.BIN")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	p := make([]byte, 1500)
	n, err := f.ReadAt(p, 0)
	if !errors.Is(err, ErrReadFile) {
		t.Errorf("ReadAt() error = %v, wantErr %v", err, ErrReadFile)
	}
	if n != 1024 {
		t.Errorf("ReadAt() = %v, want 1024", n)
	}
}

func TestFile_Seek(t *testing.T) {
	data := testPattern(1500)
	vol, _ := buildVolume(t, diskimg.Builder{}, "DATA.BIN", data)

	f, err := vol.Open("DATA.BIN")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	pos, err := f.Seek(-100, io.SeekEnd)
	if err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	if pos != 1400 {
		t.Errorf("Seek() = %v, want 1400", pos)
	}

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, data[1400:]) {
		t.Error("ReadAll() after Seek() returned wrong content")
	}

	if _, err := f.Seek(-1, io.SeekStart); !errors.Is(err, ErrSeekFile) {
		t.Errorf("Seek() error = %v, wantErr %v", err, ErrSeekFile)
	}
	if _, err := f.Seek(0, 42); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("Seek() error = %v, wantErr %v", err, syscall.EINVAL)
	}
}

func TestVolume_Open(t *testing.T) {
	vol, _ := buildVolume(t, diskimg.Builder{}, "HELLO.TXT", testPattern(100))

	tests := []struct {
		name     string
		path     string
		wantErr  error
		wantRoot bool
	}{
		{name: "root by empty path", path: "", wantRoot: true},
		{name: "root by slash", path: "/", wantRoot: true},
		{name: "root by dot", path: ".", wantRoot: true},
		{name: "plain file", path: "HELLO.TXT"},
		{name: "leading slash", path: "/HELLO.TXT"},
		{name: "missing file", path: "NOPE.TXT", wantErr: syscall.ENOENT},
		{name: "subdirectory path", path: "DIR/FILE.TXT", wantErr: syscall.ENOENT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := vol.Open(tt.path)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Volume.Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer f.Close()

			stat, err := f.Stat()
			if err != nil {
				t.Fatalf("Stat() error = %v", err)
			}
			if stat.IsDir() != tt.wantRoot {
				t.Errorf("Stat().IsDir() = %v, want %v", stat.IsDir(), tt.wantRoot)
			}
		})
	}
}

func TestVolume_ReadOnly(t *testing.T) {
	vol, _ := buildVolume(t, diskimg.Builder{}, "HELLO.TXT", testPattern(100))

	if _, err := vol.Create("NEW.TXT"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Create() error = %v, wantErr %v", err, ErrReadOnly)
	}
	if err := vol.Remove("HELLO.TXT"); !errors.Is(err, syscall.EPERM) {
		t.Errorf("Remove() error = %v, wantErr %v", err, syscall.EPERM)
	}
	if _, err := vol.OpenFile("HELLO.TXT", os.O_RDWR, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("OpenFile(O_RDWR) error = %v, wantErr %v", err, ErrReadOnly)
	}

	f, err := vol.Open("HELLO.TXT")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("x")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write() error = %v, wantErr %v", err, ErrReadOnly)
	}
	if err := f.Truncate(0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Truncate() error = %v, wantErr %v", err, ErrReadOnly)
	}
}

func TestFile_Readdirnames(t *testing.T) {
	var b diskimg.Builder
	b.AddFile("FIRST.TXT", testPattern(10))
	b.AddFile("SECOND.BIN", testPattern(20))
	img, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	vol, err := Mount(diskimg.NewDevice(img))
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	root, err := vol.Open("/")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer root.Close()

	names, err := root.Readdirnames(-1)
	if err != nil {
		t.Fatalf("Readdirnames() error = %v", err)
	}
	want := []string{"FIRST.TXT", "SECOND.BIN"}
	if len(names) != len(want) || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("Readdirnames() = %v, want %v", names, want)
	}

	f, err := vol.Open("FIRST.TXT")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	if _, err := f.Readdir(-1); !errors.Is(err, syscall.ENOTDIR) {
		t.Errorf("Readdir() on file error = %v, wantErr %v", err, syscall.ENOTDIR)
	}
}
