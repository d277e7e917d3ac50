package clsproducer

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"
)

// replayer takes back the batches found in the ring file on startup.
type replayer interface {
	appendRaw(buf []byte, lens []int, seq int64) error
}

// persistentManager writes every batch to the ring file before it is queued for sending
// and moves the checkpoint forward as sends are acknowledged.
type persistentManager struct {
	mu              sync.Mutex
	cfg             *Config
	metrics         *Metrics
	ring            *ringFile
	cpRec           *checkpointRec
	checkpoint      Checkpoint
	offsets         []uint64
	invalid         bool
	checkpointSaved bool
	headBuf         []byte
}

func newPersistentManager(cfg *Config, metrics *Metrics) (*persistentManager, error) {
	p := &persistentManager{
		cfg:     cfg,
		metrics: metrics,
		cpRec:   newCheckpointRec(cfg.PersistentFilePath),
	}
	if err := p.init(time.Now().Unix() * 1e9); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *persistentManager) init(seedSeq int64) error {
	ring, err := openRingFile(p.cfg.PersistentFilePath, p.cfg.MaxPersistentFileCount, p.cfg.MaxPersistentFileSize, p.cfg.PersistentForceFlush)
	if err != nil {
		return err
	}
	p.ring = ring
	p.checkpoint = Checkpoint{StartSeq: seedSeq, NowSeq: seedSeq}
	p.offsets = make([]uint64, p.cfg.MaxPersistentLogCount)
	p.invalid = false
	p.checkpointSaved = false
	return nil
}

// Enabled reports whether batches are still written ahead of sending.
func (p *persistentManager) Enabled() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.invalid
}

func (p *persistentManager) Checkpoint() Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkpoint
}

func (p *persistentManager) slot(seq int64) int {
	return int(seq % int64(len(p.offsets)))
}

// IsBufferEnough reports whether size more bytes fit in front of the unacknowledged window.
func (p *persistentManager) IsBufferEnough(size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.invalid {
		return true
	}

	cp := &p.checkpoint
	if cp.NowOffset < cp.StartOffset {
		Logger.Error(nil, fmt.Sprintf("persistent offsets broken, start %d now %d", cp.StartOffset, cp.NowOffset))
		p.invalid = true
		return false
	}

	used := cp.NowOffset - cp.StartOffset + uint64(size) + bufferEnoughMargin
	capacity := uint64(p.cfg.MaxPersistentFileCount) * uint64(p.cfg.MaxPersistentFileSize)
	if used > capacity && cp.NowSeq-cp.StartSeq < int64(p.cfg.MaxPersistentLogCount)-1 {
		return false
	}
	return true
}

// Save appends b as one item and stamps it with the next seq.
func (p *persistentManager) Save(b *Batch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.invalid {
		return ErrPersistentInvalid
	}

	payload := b.logs
	var flags uint64
	if p.cfg.PersistentCompress {
		payload = encodeSnappy(b.logs)
		flags |= itemFlagSnappy
	}

	headBytes := itemHeaderBytes + itemLenBytes*len(b.lens)
	if cap(p.headBuf) < headBytes {
		p.headBuf = make([]byte, headBytes)
	}
	head := p.headBuf[:headBytes]

	bin := binary.LittleEndian
	seq := p.checkpoint.NowSeq
	bin.PutUint64(head[0:8], itemHeaderMagic)
	bin.PutUint64(head[8:16], uint64(seq))
	bin.PutUint64(head[16:24], uint64(len(payload)))
	bin.PutUint64(head[24:32], uint64(len(b.lens)))
	bin.PutUint64(head[32:40], flags)
	for i, l := range b.lens {
		off := itemHeaderBytes + i*itemLenBytes
		bin.PutUint32(head[off:off+itemLenBytes], uint32(l))
	}

	n, err := p.ring.Write(p.checkpoint.NowOffset, head, payload)
	if err == nil && n != len(head)+len(payload) {
		err = io.ErrShortWrite
	}
	if err != nil {
		p.invalid = true
		Logger.Error(nil, fmt.Sprintf("write persistent item seq %d at offset %d failed, persistence disabled: %v", seq, p.checkpoint.NowOffset, err))
		return fmt.Errorf("%w: %v", ErrPersistWriteFailed, err)
	}

	p.checkpoint.NowOffset += uint64(n)
	p.offsets[p.slot(seq)] = p.checkpoint.NowOffset
	p.checkpoint.NowSeq++
	b.startSeq, b.endSeq = seq, seq
	p.metrics.PersistentBytes.Add(float64(n))

	if !p.checkpointSaved {
		if err = p.cpRec.save(&p.checkpoint); err != nil {
			Logger.Error(nil, err)
			return nil
		}
		p.checkpointSaved = true
	}

	return nil
}

// OnSendDone releases [startSeq, endSeq] once the sender settled on it.
// A retryable outcome only releases the range when forceFlush is set.
func (p *persistentManager) OnSendDone(startSeq, endSeq int64, status int, code ResultCode, forceFlush bool) {
	if !forceFlush && isRetryable(status, code) {
		return
	}

	// never written, persistence was off for this batch
	if startSeq < 0 && endSeq < 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.invalid {
		return
	}

	cp := &p.checkpoint
	if startSeq < 0 || endSeq < 0 || startSeq > endSeq || endSeq-startSeq > maxAckSeqRange {
		Logger.Error(nil, fmt.Sprintf("invalid persistent ack range %d - %d, persistence disabled", startSeq, endSeq))
		p.invalid = true
		return
	}

	if endSeq < cp.StartSeq {
		Logger.Warn(nil, fmt.Sprintf("stale persistent ack %d - %d, window starts at %d", startSeq, endSeq, cp.StartSeq))
		return
	}

	if startSeq > cp.StartSeq {
		Logger.Error(nil, fmt.Sprintf("persistent ack %d - %d skips window start %d, persistence disabled", startSeq, endSeq, cp.StartSeq))
		p.invalid = true
		return
	}

	lastOffset := cp.StartOffset
	cp.StartOffset = p.offsets[p.slot(endSeq)]
	cp.StartSeq = endSeq + 1

	if err := p.cpRec.save(cp); err != nil {
		Logger.Error(nil, err)
	} else {
		p.checkpointSaved = true
	}

	if err := p.ring.Clean(lastOffset, cp.StartOffset); err != nil {
		Logger.Warn(nil, err)
	}
}

// Recover replays every unacknowledged item into r. On failure the persistent
// state is wiped and reseeded so new batches are still written ahead.
func (p *persistentManager) Recover(r replayer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.recover(r); err != nil {
		Logger.Error(nil, fmt.Sprintf("recover persistent log %s failed, reset: %v", p.cfg.PersistentFilePath, err))
		p.reset()
		return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return nil
}

func (p *persistentManager) recover(r replayer) error {
	cp, ok, err := p.cpRec.load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	p.checkpoint = cp
	if cp.StartOffset == 0 && cp.NowOffset == 0 {
		return nil
	}
	if cp.StartOffset > cp.NowOffset || cp.StartSeq > cp.NowSeq {
		return fmt.Errorf("%w: checkpoint window %d/%d - %d/%d", errFileCorrupted, cp.StartOffset, cp.StartSeq, cp.NowOffset, cp.NowSeq)
	}

	Logger.Debug(nil, fmt.Sprintf("recover persistent log %s from offset %d seq %d", p.cfg.PersistentFilePath, cp.StartOffset, cp.StartSeq))

	var (
		bin        = binary.LittleEndian
		header     [itemHeaderBytes]byte
		fileOffset = cp.StartOffset
		expect     = cp.StartSeq
		lastSeq    = cp.StartSeq - 1
		replayed   int
	)
	for {
		n, err := p.ring.Read(fileOffset, header[:])
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if n != itemHeaderBytes {
			Logger.Warn(nil, fmt.Sprintf("persistent item header at %d truncated, %d bytes", fileOffset, n))
			break
		}

		magic := bin.Uint64(header[0:8])
		seq := int64(bin.Uint64(header[8:16]))
		size := int64(bin.Uint64(header[16:24]))
		count := int64(bin.Uint64(header[24:32]))
		flags := bin.Uint64(header[32:40])

		if magic != itemHeaderMagic || seq < expect {
			break
		}
		if seq-expect > maxReplaySeqJump {
			return fmt.Errorf("%w: seq jumps from %d to %d", errFileCorrupted, expect, seq)
		}
		if size <= 0 || size > maxItemPayload || count <= 0 || count > maxItemLogCount {
			Logger.Warn(nil, fmt.Sprintf("persistent item seq %d has size %d count %d, stop replay", seq, size, count))
			break
		}

		body := make([]byte, count*itemLenBytes+size)
		n, err = p.ring.Read(fileOffset+itemHeaderBytes, body)
		if err != nil {
			return err
		}
		if n != len(body) {
			Logger.Warn(nil, fmt.Sprintf("persistent item seq %d truncated, %d of %d bytes", seq, n, len(body)))
			break
		}

		lens := make([]int, count)
		for i := range lens {
			off := i * itemLenBytes
			lens[i] = int(bin.Uint32(body[off : off+itemLenBytes]))
		}
		payload := body[count*itemLenBytes:]
		if flags&itemFlagSnappy != 0 {
			if payload, err = decodeSnappy(payload); err != nil {
				Logger.Warn(nil, fmt.Sprintf("persistent item seq %d undecodable: %v", seq, err))
				break
			}
		}

		if err = r.appendRaw(payload, lens, seq); err != nil {
			Logger.Warn(nil, fmt.Sprintf("persistent item seq %d rejected: %v", seq, err))
			break
		}

		for skipped := expect; skipped < seq && skipped-expect < int64(len(p.offsets)); skipped++ {
			p.offsets[p.slot(skipped)] = 0
		}
		fileOffset += uint64(itemHeaderBytes) + uint64(len(body))
		p.offsets[p.slot(seq)] = fileOffset
		lastSeq = seq
		expect = seq + 1
		replayed++
	}

	if lastSeq < cp.NowSeq-1 {
		return fmt.Errorf("%w: replayed up to seq %d, checkpoint expects %d", errFileCorrupted, lastSeq, cp.NowSeq-1)
	}

	if fileOffset > cp.StartOffset {
		p.checkpoint.NowSeq = lastSeq + 1
		p.checkpoint.NowOffset = fileOffset
	}

	if err = p.cpRec.save(&p.checkpoint); err != nil {
		return err
	}
	p.checkpointSaved = true

	Logger.Debug(nil, fmt.Sprintf("recovered %d persistent items, window %d/%d - %d/%d", replayed,
		p.checkpoint.StartOffset, p.checkpoint.StartSeq, p.checkpoint.NowOffset, p.checkpoint.NowSeq))

	return nil
}

// reset drops every file and starts a fresh seq space that cannot collide with the old one.
func (p *persistentManager) reset() {
	p.ring.removeAll()
	if err := p.ring.Close(); err != nil {
		Logger.Warn(nil, err)
	}
	p.cpRec.remove()
	p.metrics.PersistentResets.Inc()

	if err := p.init(time.Now().Unix()*1e9 + 5e8); err != nil {
		Logger.Error(nil, err)
		p.invalid = true
	}
}

func (p *persistentManager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cpRec.close()
	if err := p.ring.Flush(); err != nil {
		Logger.Warn(nil, err)
	}
	return p.ring.Close()
}
