package datahandler

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"cubesat-fsw/internal/telemetry"
)

// Log is the append-only durable frame store. Only the Handler writes to it.
type Log interface {
	Append(frames []telemetry.Frame) error
	Close() error
}

// Each record is an 8-byte header (little-endian body length, CRC-32 of body)
// followed by the JSON-encoded frame.
const recordHeaderSize = 8

// maxRecordSize bounds a single record so a corrupted length cannot trigger a huge allocation.
const maxRecordSize = 1 << 20

// SegmentLogConfig configures the on-disk log.
type SegmentLogConfig struct {
	Dir        string
	Name       string
	MaxSizeMB  int
	MaxBackups int
}

// SegmentLog writes frames to size-capped, rotated segment files.
type SegmentLog struct {
	path     string
	w        *lumberjack.Logger
	repaired int64
}

// OpenSegmentLog creates the log directory and opens the active segment.
func OpenSegmentLog(cfg SegmentLogConfig) (*SegmentLog, error) {
	if cfg.Name == "" {
		cfg.Name = "frames.log"
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 1
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(cfg.Dir, cfg.Name)
	repaired, err := repairTail(path)
	if err != nil {
		return nil, fmt.Errorf("repair %s: %w", path, err)
	}
	return &SegmentLog{
		path:     path,
		repaired: repaired,
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		},
	}, nil
}

// Path returns the active segment path.
func (l *SegmentLog) Path() string { return l.path }

// Repaired returns how many trailing bytes were cut from the active segment at open.
func (l *SegmentLog) Repaired() int64 { return l.repaired }

// repairTail truncates the segment at path after its last intact record, so
// records appended after a torn write stay readable. A missing file is not an error.
func repairTail(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)
	var good int64
	for {
		_, n, err := decodeRecord(r)
		if err == io.EOF {
			return 0, nil
		}
		if err != nil {
			break
		}
		good += n
	}
	if err := f.Truncate(good); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	return info.Size() - good, nil
}

// Append encodes the batch and writes it with a single write call.
func (l *SegmentLog) Append(frames []telemetry.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, f := range frames {
		if err := encodeRecord(&buf, f); err != nil {
			return err
		}
	}
	n, err := l.w.Write(buf.Bytes())
	if err != nil {
		return err
	}
	if n != buf.Len() {
		return io.ErrShortWrite
	}
	return nil
}

// Close closes the active segment.
func (l *SegmentLog) Close() error {
	return l.w.Close()
}

func encodeRecord(w io.Writer, f telemetry.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(body))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// errCorrupt marks a record that failed its length or checksum check.
var errCorrupt = errors.New("corrupt record")

// decodeRecord reads one record and returns its frame and encoded size.
func decodeRecord(r *bufio.Reader) (telemetry.Frame, int64, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return telemetry.Frame{}, 0, io.EOF
		}
		return telemetry.Frame{}, 0, errCorrupt
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	if size == 0 || size > maxRecordSize {
		return telemetry.Frame{}, 0, errCorrupt
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return telemetry.Frame{}, 0, errCorrupt
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(hdr[4:8]) {
		return telemetry.Frame{}, 0, errCorrupt
	}
	var f telemetry.Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return telemetry.Frame{}, 0, errCorrupt
	}
	return f, recordHeaderSize + int64(size), nil
}

// ReadStats reports what a log scan found.
type ReadStats struct {
	Segments  int
	Frames    int
	Truncated int
}

// Segments lists the rotated backups of path, oldest first, followed by path itself.
func Segments(path string) ([]string, error) {
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(path, ext) + "-"
	matches, err := filepath.Glob(prefix + "*" + ext)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	if _, err := os.Stat(path); err == nil {
		matches = append(matches, path)
	}
	return matches, nil
}

// ReadFrames calls fn for every intact frame in the log at path, oldest segment
// first. A corrupt or truncated record ends its segment without invalidating the
// records before it.
func ReadFrames(path string, fn func(telemetry.Frame) error) (ReadStats, error) {
	var stats ReadStats
	segs, err := Segments(path)
	if err != nil {
		return stats, err
	}
	for _, seg := range segs {
		stats.Segments++
		if err := readSegment(seg, &stats, fn); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func readSegment(path string, stats *ReadStats, fn func(telemetry.Frame) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		frame, _, err := decodeRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			stats.Truncated++
			return nil
		}
		stats.Frames++
		if err := fn(frame); err != nil {
			return err
		}
	}
}

// LastSeq returns the highest sequence number stored in the log, and false if
// the log holds no intact frame.
func LastSeq(path string) (uint64, bool, error) {
	var last uint64
	found := false
	_, err := ReadFrames(path, func(f telemetry.Frame) error {
		if !found || f.Seq > last {
			last = f.Seq
		}
		found = true
		return nil
	})
	return last, found, err
}
