package clsproducer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ringFile maps an ever growing logical offset onto maxFileCount files of maxFileSize bytes.
type ringFile struct {
	basePath     string
	maxFileCount int64
	maxFileSize  int64
	syncWrite    bool
	fp           *os.File
	fpIdx        int
	nowOffset    uint64
	removeFlags  []bool
	useFlags     []bool
}

func openRingFile(basePath string, maxFileCount, maxFileSize int32, syncWrite bool) (*ringFile, error) {
	if maxFileCount <= 0 || maxFileSize <= 0 {
		return nil, fmt.Errorf("%w: ring file count %d size %d", ErrConfigInvalid, maxFileCount, maxFileSize)
	}

	if err := mkParentDirIfNotExist(basePath); err != nil {
		return nil, err
	}

	return &ringFile{
		basePath:     basePath,
		maxFileCount: int64(maxFileCount),
		maxFileSize:  int64(maxFileSize),
		syncWrite:    syncWrite,
		fpIdx:        -1,
		removeFlags:  make([]bool, maxFileCount),
		useFlags:     make([]bool, maxFileCount),
	}, nil
}

func (r *ringFile) locate(offset uint64) (int, int64) {
	return int((offset / uint64(r.maxFileSize)) % uint64(r.maxFileCount)), int64(offset % uint64(r.maxFileSize))
}

func (r *ringFile) openSegment(idx int) error {
	if r.fp != nil && r.fpIdx == idx {
		return nil
	}

	r.closeSegment()

	flag := os.O_RDWR | os.O_CREATE
	if r.syncWrite {
		flag |= os.O_SYNC
	}
	fp, err := os.OpenFile(genSegmentFileName(r.basePath, idx), flag, 0644)
	if err != nil {
		return err
	}

	r.removeFlags[idx] = false
	r.fp = fp
	r.fpIdx = idx
	return nil
}

func (r *ringFile) closeSegment() {
	if r.fp == nil {
		return
	}
	if err := r.fp.Close(); err != nil {
		Logger.Warn(nil, err)
	}
	r.fp = nil
	r.fpIdx = -1
}

// Write stores bufs back to back starting at offset, splitting at segment boundaries.
func (r *ringFile) Write(offset uint64, bufs ...[]byte) (int, error) {
	var written int
	for _, buf := range bufs {
		n, err := r.writeSingle(offset+uint64(written), buf)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (r *ringFile) writeSingle(offset uint64, buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		idx, pos := r.locate(offset + uint64(n))
		if err := r.openSegment(idx); err != nil {
			return n, err
		}

		chunk := len(buf) - n
		if room := r.maxFileSize - pos; int64(chunk) > room {
			chunk = int(room)
		}

		more, err := writeAtFull(r.fp, buf[n:n+chunk], pos)
		n += more
		r.nowOffset = offset + uint64(n)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Read fills buf from offset. A short count with a nil error means the stored data ended.
func (r *ringFile) Read(offset uint64, buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		idx, pos := r.locate(offset + uint64(n))
		if r.fpIdx != idx {
			if _, err := os.Stat(genSegmentFileName(r.basePath, idx)); err != nil {
				if os.IsNotExist(err) {
					return n, nil
				}
				return n, err
			}
		}
		if err := r.openSegment(idx); err != nil {
			return n, err
		}

		chunk := len(buf) - n
		if room := r.maxFileSize - pos; int64(chunk) > room {
			chunk = int(room)
		}

		more, err := r.fp.ReadAt(buf[n:n+chunk], pos)
		n += more
		r.nowOffset = offset + uint64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if more < chunk {
			return n, nil
		}
	}
	return n, nil
}

func (r *ringFile) Flush() error {
	if r.fp == nil {
		return nil
	}
	return r.fp.Sync()
}

// Clean removes every segment not covering [end, nowOffset]; start is only reported.
func (r *ringFile) Clean(start, end uint64) error {
	if end > r.nowOffset {
		return fmt.Errorf("%w: start %d end %d now %d", errRingFileCleanInvalid, start, end, r.nowOffset)
	}

	size := uint64(r.maxFileSize)
	if (r.nowOffset-end)/size >= uint64(r.maxFileCount-1) {
		return nil
	}

	for i := range r.useFlags {
		r.useFlags[i] = false
	}
	for i := end / size; i <= r.nowOffset/size; i++ {
		r.useFlags[i%uint64(r.maxFileCount)] = true
	}

	Logger.Debug(nil, fmt.Sprintf("clean ring file %s, offset from %d to %d, now %d", r.basePath, start, end, r.nowOffset))

	for idx, used := range r.useFlags {
		if used {
			continue
		}
		r.removeSegment(idx)
	}
	return nil
}

func (r *ringFile) removeSegment(idx int) {
	if r.removeFlags[idx] {
		return
	}
	if r.fpIdx == idx {
		r.closeSegment()
	}
	fileName := genSegmentFileName(r.basePath, idx)
	if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
		Logger.Warn(nil, err)
		return
	}
	Logger.Debug(nil, "removed ring file "+fileName)
	r.removeFlags[idx] = true
}

// removeAll deletes every segment, used when the persistent state is rebuilt.
func (r *ringFile) removeAll() {
	r.closeSegment()
	for idx := range r.removeFlags {
		r.removeFlags[idx] = false
		r.removeSegment(idx)
	}
}

func (r *ringFile) Close() error {
	if r.fp == nil {
		return nil
	}
	err := r.fp.Close()
	r.fp = nil
	r.fpIdx = -1
	return err
}
