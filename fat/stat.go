package fat

import (
	"os"
	"time"
)

// FileInfo returns an os.FileInfo view of the directory entry, for use with
// the afero filesystem layer.
func (fi FileInfo) FileInfo() os.FileInfo {
	return entryFileInfo{fi}
}

type entryFileInfo struct {
	entry FileInfo
}

func (e entryFileInfo) Name() string { return e.entry.Name() }

func (e entryFileInfo) Size() int64 { return int64(e.entry.Size) }

func (e entryFileInfo) Mode() os.FileMode {
	mode := os.FileMode(0444)
	if e.IsDir() {
		mode |= os.ModeDir | 0111
	}
	return mode
}

func (e entryFileInfo) ModTime() time.Time {
	return entryTimestamp(e.entry.writeDate, e.entry.writeTime)
}

func (e entryFileInfo) IsDir() bool { return e.entry.IsDir() }

func (e entryFileInfo) Sys() interface{} { return e.entry }

// entryTimestamp decodes the 16-bit date and time words of a directory
// entry. The date is days/months/years-since-1980 packed 5/4/7 bits; the
// time is 2-second-counts/minutes/hours packed 5/6/5 bits. A zero day or
// month is unspecified by the format; the zero time.Time is returned so
// callers can use time.Time.IsZero.
func entryTimestamp(date, tval uint16) time.Time {
	day := int(date & 0x1F)
	month := int(date & 0x1E0 >> 5)
	year := 1980 + int(date&0xFE00>>9)

	if day == 0 || month == 0 {
		return time.Time{}
	}

	seconds := int(tval&0x1F) * 2
	minutes := int(tval & 0x7E0 >> 5)
	hours := int(tval & 0xF800 >> 11)

	return time.Date(year, time.Month(month), day, hours, minutes, seconds, 0, time.UTC)
}

// rootFileInfo describes the root directory itself.
type rootFileInfo struct{}

func (rootFileInfo) Name() string       { return "/" }
func (rootFileInfo) Size() int64        { return 0 }
func (rootFileInfo) Mode() os.FileMode  { return os.ModeDir | 0555 }
func (rootFileInfo) ModTime() time.Time { return time.Time{} }
func (rootFileInfo) IsDir() bool        { return true }
func (rootFileInfo) Sys() interface{}   { return nil }
