package clsproducer

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Checkpoint anchors the persistent window: [StartOffset, NowOffset) holds every
// unacknowledged item, StartSeq..NowSeq-1 are their sequence ids.
type Checkpoint struct {
	StartOffset uint64
	NowOffset   uint64
	StartSeq    int64
	NowSeq      int64
	Checksum    uint64
}

func (c *Checkpoint) sum() uint64 {
	return c.StartOffset + c.NowOffset + uint64(c.StartSeq) + uint64(c.NowSeq)
}

func (c *Checkpoint) isValid() bool {
	return c.Checksum == c.sum()
}

func (c *Checkpoint) encode(buf []byte) {
	bin := binary.LittleEndian
	for i := range buf[:checkpointBytes] {
		buf[i] = 0
	}
	bin.PutUint64(buf[0:8], checkpointVersion)
	// 8:24 signature, unused
	bin.PutUint64(buf[24:32], c.StartOffset)
	bin.PutUint64(buf[32:40], c.NowOffset)
	bin.PutUint64(buf[40:48], uint64(c.StartSeq))
	bin.PutUint64(buf[48:56], uint64(c.NowSeq))
	bin.PutUint64(buf[56:64], c.Checksum)
	// 64:96 reserved
}

func decodeCheckpoint(buf []byte) Checkpoint {
	bin := binary.LittleEndian
	return Checkpoint{
		StartOffset: bin.Uint64(buf[24:32]),
		NowOffset:   bin.Uint64(buf[32:40]),
		StartSeq:    int64(bin.Uint64(buf[40:48])),
		NowSeq:      int64(bin.Uint64(buf[48:56])),
		Checksum:    bin.Uint64(buf[56:64]),
	}
}

// checkpointRec appends checkpoints to {path}.idx, the last complete record wins.
type checkpointRec struct {
	path      string
	bakPath   string
	fp        *os.File
	fileBytes int64
	buf       [checkpointBytes]byte
}

func newCheckpointRec(basePath string) *checkpointRec {
	return &checkpointRec{
		path:    genIdxFileName(basePath),
		bakPath: genIdxBakFileName(basePath),
	}
}

// load returns the newest checkpoint, ok is false when nothing was ever saved.
func (r *checkpointRec) load() (cp Checkpoint, ok bool, err error) {
	fp, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cp, false, nil
		}
		return cp, false, err
	}
	defer fp.Close()

	fileState, err := fp.Stat()
	if err != nil {
		return cp, false, err
	}

	size := fileState.Size()
	if size == 0 {
		return cp, false, nil
	}

	fixedSize := size - size%checkpointBytes
	if fixedSize == 0 {
		return cp, false, fmt.Errorf("%w: checkpoint file %s has %d bytes", errFileCorrupted, r.path, size)
	}

	if _, err = fp.ReadAt(r.buf[:], fixedSize-checkpointBytes); err != nil {
		return cp, false, err
	}

	cp = decodeCheckpoint(r.buf[:])
	if !cp.isValid() {
		return cp, false, errCheckpointChecksum
	}

	// drop a torn tail so later appends stay record aligned
	if fixedSize != size {
		if err = os.Truncate(r.path, fixedSize); err != nil {
			return cp, false, err
		}
	}
	r.fileBytes = fixedSize

	return cp, true, nil
}

// save stamps the checksum and appends cp, switching to a one record file once full.
func (r *checkpointRec) save(cp *Checkpoint) error {
	cp.Checksum = cp.sum()
	cp.encode(r.buf[:])

	if r.fileBytes >= checkpointBytes*checkpointMaxRecords {
		return r.rotate()
	}

	if r.fp == nil {
		if err := mkParentDirIfNotExist(r.path); err != nil {
			return err
		}
		fp, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		r.fp = fp
	}

	if err := writeFull(r.fp, r.buf[:]); err != nil {
		return err
	}
	if err := r.fp.Sync(); err != nil {
		return err
	}

	r.fileBytes += checkpointBytes
	return nil
}

func (r *checkpointRec) rotate() error {
	r.close()

	Logger.Debug(nil, "switch checkpoint index file "+r.path)

	bakFp, err := os.OpenFile(r.bakPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err = writeFull(bakFp, r.buf[:]); err != nil {
		_ = bakFp.Close()
		return err
	}
	if err = bakFp.Sync(); err != nil {
		_ = bakFp.Close()
		return err
	}
	if err = bakFp.Close(); err != nil {
		return err
	}
	if err = os.Rename(r.bakPath, r.path); err != nil {
		return err
	}

	r.fileBytes = checkpointBytes
	return nil
}

func (r *checkpointRec) close() {
	if r.fp == nil {
		return
	}
	if err := r.fp.Close(); err != nil {
		Logger.Warn(nil, err)
	}
	r.fp = nil
}

// remove wipes every saved checkpoint.
func (r *checkpointRec) remove() {
	r.close()
	for _, path := range []string{r.path, r.bakPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			Logger.Warn(nil, err)
		}
	}
	r.fileBytes = 0
}
