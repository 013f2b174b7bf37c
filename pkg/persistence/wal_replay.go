package persistence

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/sanonone/zyphyr/pkg/core/types"
)

// ReplayResult describes a scanned log.
type ReplayResult struct {
	Header    WALHeader
	HasHeader bool
	Records   int
	// Skipped is set when check declined the log; no record was applied.
	Skipped bool
	// ValidSize is the length of the intact prefix. Anything past it is a torn
	// tail left by an interrupted append.
	ValidSize int64
	TornBytes int64
}

// ReplayWAL reads the log at path. check sees the header first and decides whether
// the records belong on top of the caller's state; apply is then called for every
// record in order. A missing file is an empty log. An incomplete or
// checksum-failing final frame is reported through TornBytes; damage before the
// last frame is ErrCorruptedIndexFile. Errors returned by check or apply abort the
// scan and are returned unchanged.
func ReplayWAL(path string, check func(WALHeader) (bool, error), apply func(Record) error) (ReplayResult, error) {
	var res ReplayResult

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, types.IOError("open wal", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, types.IOError("stat wal", err)
	}
	size := info.Size()
	reader := bufio.NewReaderSize(f, 256*1024)

	var offset int64
	for {
		op, payload, n, err := ReadFrame(reader)
		switch {
		case err == io.EOF:
			res.ValidSize = offset
			return res, nil
		case errors.Is(err, ErrIncompleteFrame):
			return torn(res, offset, size), nil
		case errors.Is(err, ErrChecksumMismatch):
			if offset+int64(n) >= size {
				return torn(res, offset, size), nil
			}
			return res, types.Corruptedf("wal frame at offset %d: %v", offset, err)
		case errors.Is(err, ErrInvalidMagic):
			if zero, zerr := zeroFrom(f, offset, size); zerr == nil && zero {
				return torn(res, offset, size), nil
			}
			return res, types.Corruptedf("wal frame at offset %d: %v", offset, err)
		case err != nil:
			return res, types.IOError("read wal", err)
		}

		if !res.HasHeader {
			if op != OpWALHeader {
				return res, types.Corruptedf("wal does not start with a header frame")
			}
			h, herr := decodeWALHeader(payload)
			if herr != nil {
				return res, types.Corruptedf("%v", herr)
			}
			res.Header, res.HasHeader = h, true
			offset += int64(n)
			if check != nil {
				ok, cerr := check(h)
				if cerr != nil {
					return res, cerr
				}
				if !ok {
					res.Skipped = true
					res.ValidSize = size
					return res, nil
				}
			}
			continue
		}

		rec, rerr := decodeRecord(op, payload)
		if rerr != nil {
			return res, types.Corruptedf("wal frame at offset %d: %v", offset, rerr)
		}
		if err := apply(rec); err != nil {
			return res, err
		}
		res.Records++
		offset += int64(n)
	}
}

func torn(res ReplayResult, offset, size int64) ReplayResult {
	res.ValidSize = offset
	res.TornBytes = size - offset
	return res
}

// zeroFrom reports whether every byte from off to size is zero, which is what a
// file extended by an append that never reached the disk looks like.
func zeroFrom(f *os.File, off, size int64) (bool, error) {
	buf := make([]byte, 32*1024)
	for off < size {
		n, err := f.ReadAt(buf[:min(int64(len(buf)), size-off)], off)
		for _, b := range buf[:n] {
			if b != 0 {
				return false, nil
			}
		}
		off += int64(n)
		if err != nil && err != io.EOF {
			return false, err
		}
		if n == 0 {
			break
		}
	}
	return true, nil
}
