package clsproducer

import (
	"fmt"
	"time"
)

// Batch collects encoded records in one arena, lens indexes the record boundaries.
type Batch struct {
	logs      []byte
	lens      []int
	tags      []byte
	topic     string
	source    string
	size      int
	createdAt time.Time
	startSeq  int64
	endSeq    int64
}

func newBatch(now time.Time) *Batch {
	return &Batch{
		createdAt: now,
		startSeq:  -1,
		endSeq:    -1,
	}
}

func (b *Batch) Count() int {
	return len(b.lens)
}

func (b *Batch) Size() int {
	return b.size
}

func (b *Batch) persisted() bool {
	return b.startSeq >= 0 && b.endSeq >= 0
}

func (b *Batch) grow(n int) {
	if cap(b.logs)-len(b.logs) >= n {
		return
	}
	newCap := cap(b.logs) * 2
	if newCap == 0 {
		newCap = n * 4
	}
	if newCap < len(b.logs)+n {
		newCap = len(b.logs) + n
	}
	logs := make([]byte, len(b.logs), newCap)
	copy(logs, b.logs)
	b.logs = logs
}

// AddLog encodes rec into the arena and returns the encoded length.
func (b *Batch) AddLog(rec *LogRecord) int {
	timeMs := rec.unixMilli()
	n := encodedLogSize(timeMs, rec.Contents)
	b.grow(n)
	b.logs = appendLog(b.logs, timeMs, rec.Contents)
	b.lens = append(b.lens, n)
	b.size += n
	return n
}

// AddRaw appends already encoded records, lens must cover buf exactly.
func (b *Batch) AddRaw(buf []byte, lens []int) error {
	var total int
	for _, l := range lens {
		if l <= 0 {
			return fmt.Errorf("invalid record len %d", l)
		}
		total += l
	}
	if total != len(buf) {
		return fmt.Errorf("record lens sum %d, buffer has %d bytes", total, len(buf))
	}
	b.grow(len(buf))
	b.logs = append(b.logs, buf...)
	b.lens = append(b.lens, lens...)
	b.size += len(buf)
	return nil
}

func (b *Batch) SetTopic(topic string) {
	b.topic = topic
}

func (b *Batch) SetSource(source string) {
	b.source = source
}

func (b *Batch) AddTag(key, value string) {
	b.tags = appendLogTag(b.tags, key, value)
}

func (b *Batch) AddPackID(prefix string, index uint64) {
	b.AddTag(packIDTagKey, formatPackID(prefix, index))
}

type logPayload struct {
	data       []byte
	rawLen     int
	compressed bool
}

// Serialize parses every record back out of the arena and builds the compressed group list.
func (b *Batch) Serialize(compressType int32) (*logPayload, error) {
	var offset int
	for i, l := range b.lens {
		if offset+l > len(b.logs) {
			return nil, fmt.Errorf("%w: record %d overruns the arena", ErrSerializeFailed, i)
		}
		if _, err := decodeLog(b.logs[offset : offset+l]); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrSerializeFailed, i, err)
		}
		offset += l
	}

	raw := appendLogGroupList(nil, b.logs[:offset], b.source, b.tags)
	payload := &logPayload{data: raw, rawLen: len(raw)}
	if compressType != CompressLZ4 {
		return payload, nil
	}

	compressed, ok, err := compressLZ4(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	if ok {
		payload.data = compressed
		payload.compressed = true
	}
	return payload, nil
}
