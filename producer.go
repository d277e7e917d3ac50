package clsproducer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type ProducerStats struct {
	BufferedBytes     int64
	OpenBatchLogs     int
	LogGroupQueueLen  int
	SendParamQueueLen int
	SendQueueLen      int
	ReplayPending     int
	Sending           int32
	Unsettled         int32
}

// producerManager batches appended records and hands finished batches to the senders.
// Lock order is producer mu, then the persistent manager lock.
type producerManager struct {
	cfg        *Config
	mu         sync.Mutex
	batch      *Batch
	sender     *sender
	persistent *persistentManager
	metrics    *Metrics
	callback   SendCallback

	totalBufferBytes atomic.Int64
	sending          atomic.Int32
	// batches queued by detach or replay and not yet settled
	unsettled atomic.Int32
	closed    bool

	logGroupQueue  *cacheQueue[*Batch]
	sendParamQueue *cacheQueue[*SendUnit]
	sendQueue      *cacheQueue[*SendUnit]

	replayMu      sync.Mutex
	replayBatches []*Batch

	packPrefix string
	packIndex  uint64

	triggerCh   chan struct{}
	shutdownCh  chan struct{}
	flushDoneCh chan struct{}
	sendWait    sync.WaitGroup
}

func logGroupQueueSize(cfg *Config) int {
	size := int(cfg.MaxBufferBytes/(int64(cfg.LogBytesPerPackage)+1)) + 10
	if size < minLogGroupQueueSize {
		size = minLogGroupQueueSize
	}
	if size > maxLogGroupQueueSize {
		size = maxLogGroupQueueSize
	}
	return size
}

func newProducerManager(cfg *Config, creds *credentials, poster Poster, persistent *persistentManager, metrics *Metrics, callback SendCallback) *producerManager {
	queueSize := logGroupQueueSize(cfg)

	m := &producerManager{
		cfg:            cfg,
		persistent:     persistent,
		metrics:        metrics,
		callback:       callback,
		logGroupQueue:  newCacheQueue[*Batch](queueSize),
		sendParamQueue: newCacheQueue[*SendUnit](2 * queueSize),
		packPrefix:     genPackPrefix(cfg.Topic),
		triggerCh:      make(chan struct{}, 1),
		shutdownCh:     make(chan struct{}),
		flushDoneCh:    make(chan struct{}),
	}
	m.sender = &sender{
		cfg:           cfg,
		creds:         creds,
		poster:        poster,
		persistent:    persistent,
		metrics:       metrics,
		callback:      callback,
		releaseBuffer: func(n int64) { m.addBuffer(-n) },
		shutdownCh:    m.shutdownCh,
	}

	if cfg.SendThreadCount > 0 {
		m.sendQueue = newCacheQueue[*SendUnit](2 * queueSize)
		for i := int32(0); i < cfg.SendThreadCount; i++ {
			m.sendWait.Add(1)
			go m.sendLoop()
		}
	}

	go m.flushLoop()

	return m
}

func (m *producerManager) addBuffer(n int64) {
	m.metrics.BufferedBytes.Set(float64(m.totalBufferBytes.Add(n)))
}

func (m *producerManager) trigger() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

func (m *producerManager) isShutdown() bool {
	select {
	case <-m.shutdownCh:
		return true
	default:
		return false
	}
}

func (m *producerManager) drop(reason error) error {
	m.metrics.DroppedLogs.WithLabelValues(dropReason(reason)).Inc()
	return reason
}

func dropReason(err error) string {
	switch err {
	case ErrBufferFull:
		return "buffer_full"
	case ErrQueueFull:
		return "queue_full"
	case ErrPersistentFull:
		return "persistent_full"
	}
	return "other"
}

// Append adds rec to the open batch and detaches the batch once a threshold is hit or flush is set.
func (m *producerManager) Append(rec *LogRecord, flush bool) error {
	timeMs := rec.unixMilli()
	rec = &LogRecord{Time: time.UnixMilli(timeMs), Contents: rec.Contents}
	size := encodedLogSize(timeMs, rec.Contents)

	if m.totalBufferBytes.Load()+int64(size) > m.cfg.MaxBufferBytes {
		return m.drop(ErrBufferFull)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClientClosed
	}

	now := time.Now()
	if m.batch == nil {
		if m.logGroupQueue.IsFull() {
			return m.drop(ErrQueueFull)
		}
		m.batch = newBatch(now)
	}

	if m.persistent.Enabled() && !m.persistent.IsBufferEnough(itemHeaderBytes+itemLenBytes*(m.batch.Count()+1)+m.batch.Size()+size) {
		if m.batch.Count() == 0 {
			m.batch = nil
		}
		return m.drop(ErrPersistentFull)
	}

	m.batch.AddLog(rec)
	m.metrics.AppendedLogs.Inc()

	if !flush && !m.reachThreshold(m.batch, now) {
		return nil
	}

	return m.detach()
}

func (m *producerManager) reachThreshold(b *Batch, now time.Time) bool {
	return b.Size() >= int(m.cfg.LogBytesPerPackage) ||
		b.Count() >= int(m.cfg.LogCountPerPackage) ||
		now.Sub(b.createdAt) >= time.Duration(m.cfg.PackageTimeoutMs)*time.Millisecond
}

// detach persists the open batch and queues it. Caller holds mu.
func (m *producerManager) detach() error {
	b := m.batch
	m.batch = nil
	if b == nil || b.Count() == 0 {
		return nil
	}

	if m.persistent.Enabled() {
		if err := m.persistent.Save(b); err != nil {
			Logger.Warn(nil, fmt.Sprintf("persist batch of %d logs failed, send without persistence: %v", b.Count(), err))
		}
	}

	m.unsettled.Add(1)
	if !m.logGroupQueue.Push(b) {
		m.unsettled.Add(-1)
		Logger.Error(nil, fmt.Sprintf("log group queue full, drop batch of %d logs", b.Count()))
		m.discard(b, ResultDropped)
		return m.drop(ErrQueueFull)
	}

	m.addBuffer(int64(b.Size()))
	m.trigger()
	return nil
}

// discard settles a batch that will never be sent.
func (m *producerManager) discard(b *Batch, code ResultCode) {
	if m.persistent != nil && b.persisted() {
		m.persistent.OnSendDone(b.startSeq, b.endSeq, 0, code, true)
	}
	if m.callback != nil {
		m.callback(&SendResult{
			Topic:      m.cfg.Topic,
			Code:       code,
			LogCount:   b.Count(),
			RawBytes:   b.Size(),
			StartSeq:   b.startSeq,
			EndSeq:     b.endSeq,
			ForceFlush: true,
		})
	}
}

// appendRaw queues one replayed item as its own batch, ahead of anything appended later.
func (m *producerManager) appendRaw(buf []byte, lens []int, seq int64) error {
	b := newBatch(time.Now())
	if err := b.AddRaw(buf, lens); err != nil {
		return err
	}
	b.startSeq, b.endSeq = seq, seq

	m.unsettled.Add(1)
	m.replayMu.Lock()
	m.replayBatches = append(m.replayBatches, b)
	m.replayMu.Unlock()

	m.addBuffer(int64(b.Size()))
	m.trigger()
	return nil
}

func (m *producerManager) popReplay() (*Batch, bool) {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	if len(m.replayBatches) == 0 {
		return nil, false
	}
	b := m.replayBatches[0]
	m.replayBatches[0] = nil
	m.replayBatches = m.replayBatches[1:]
	return b, true
}

func (m *producerManager) replayPending() int {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	return len(m.replayBatches)
}

func (m *producerManager) popReady() (*Batch, bool) {
	if b, ok := m.popReplay(); ok {
		return b, true
	}
	return m.logGroupQueue.TryPop()
}

func (m *producerManager) flushLoop() {
	defer close(m.flushDoneCh)

	flushTk := time.NewTicker(flushInterval)
	defer flushTk.Stop()

	for {
		select {
		case <-m.shutdownCh:
			return
		case <-m.triggerCh:
		case <-flushTk.C:
		}

		m.packageReady()
		m.flushTimedOut()
		m.dispatch()
	}
}

// packageReady serializes queued batches while the send param queue has room.
func (m *producerManager) packageReady() {
	for !m.sendParamQueue.IsFull() {
		b, ok := m.popReady()
		if !ok {
			return
		}

		m.addBuffer(-int64(b.Size()))

		b.SetTopic(m.cfg.Topic)
		b.SetSource(m.cfg.Source)
		b.AddPackID(m.packPrefix, m.packIndex)
		m.packIndex++

		payload, err := b.Serialize(m.cfg.CompressType)
		if err != nil {
			Logger.Error(nil, err)
			m.discard(b, ResultWriteError)
			m.unsettled.Add(-1)
			continue
		}

		m.addBuffer(int64(len(payload.data)))
		m.sendParamQueue.Push(newSendUnit(payload, b))
	}
}

func (m *producerManager) flushTimedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.batch == nil || m.batch.Count() == 0 {
		return
	}
	if time.Since(m.batch.createdAt) < time.Duration(m.cfg.PackageTimeoutMs)*time.Millisecond {
		return
	}
	if err := m.detach(); err != nil {
		Logger.Warn(nil, err)
	}
}

// dispatch moves send units to the worker queue, or sends one inline when there are no workers.
func (m *producerManager) dispatch() {
	if m.sendQueue != nil {
		for !m.sendQueue.IsFull() {
			u, ok := m.sendParamQueue.TryPop()
			if !ok {
				return
			}
			m.sendQueue.Push(u)
		}
		return
	}

	u, ok := m.sendParamQueue.TryPop()
	if !ok {
		return
	}
	m.send(u)

	if m.sendParamQueue.Len() > 0 || m.logGroupQueue.Len() > 0 || m.replayPending() > 0 {
		m.trigger()
	}
}

func (m *producerManager) sendLoop() {
	defer m.sendWait.Done()
	for !m.isShutdown() {
		u, ok := m.sendQueue.Pop(sendPopTimeout)
		if !ok {
			continue
		}
		m.send(u)
	}
}

func (m *producerManager) send(u *SendUnit) {
	m.sending.Add(1)
	m.sender.process(u)
	m.sending.Add(-1)
	m.unsettled.Add(-1)
}

// Flush detaches the open batch regardless of thresholds.
func (m *producerManager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClientClosed
	}
	return m.detach()
}

// pending reports batches that are queued, being packaged or being sent.
func (m *producerManager) pending() bool {
	return m.unsettled.Load() > 0
}

// Close pushes the open batch, waits for the queues to drain within the configured
// budget, then stops every goroutine. Whatever is left reports ResultSendExitBuffered.
func (m *producerManager) Close() {
	m.mu.Lock()
	if err := m.detach(); err != nil {
		Logger.Warn(nil, err)
	}
	m.closed = true
	m.mu.Unlock()

	flusherWait, senderWait := m.cfg.DestroyFlusherWaitSec, m.cfg.DestroySenderWaitSec
	if flusherWait <= 0 {
		flusherWait = 1
	}
	if senderWait <= 0 {
		senderWait = 1
	}
	maxTicks := int(flusherWait+senderWait) * 100

	for ticks := 0; m.pending(); ticks++ {
		if ticks >= maxTicks {
			Logger.Warn(nil, fmt.Sprintf("producer of topic %s exits with pending data, buffered %d bytes", m.cfg.Topic, m.totalBufferBytes.Load()))
			break
		}
		m.trigger()
		time.Sleep(drainTickInterval)
	}

	close(m.shutdownCh)
	<-m.flushDoneCh
	m.sendWait.Wait()

	m.drainRemaining()
}

func (m *producerManager) drainRemaining() {
	for {
		b, ok := m.popReady()
		if !ok {
			break
		}
		m.addBuffer(-int64(b.Size()))
		m.unsettled.Add(-1)
		if m.callback != nil {
			m.callback(&SendResult{
				Topic:    m.cfg.Topic,
				Code:     ResultSendExitBuffered,
				LogCount: b.Count(),
				RawBytes: b.Size(),
				StartSeq: b.startSeq,
				EndSeq:   b.endSeq,
			})
		}
	}

	queues := []*cacheQueue[*SendUnit]{m.sendParamQueue}
	if m.sendQueue != nil {
		queues = append(queues, m.sendQueue)
	}
	for _, q := range queues {
		for {
			u, ok := q.TryPop()
			if !ok {
				break
			}
			m.send(u)
		}
	}
}

func (m *producerManager) Stats() ProducerStats {
	stats := ProducerStats{
		BufferedBytes:     m.totalBufferBytes.Load(),
		LogGroupQueueLen:  m.logGroupQueue.Len(),
		SendParamQueueLen: m.sendParamQueue.Len(),
		ReplayPending:     m.replayPending(),
		Sending:           m.sending.Load(),
		Unsettled:         m.unsettled.Load(),
	}
	if m.sendQueue != nil {
		stats.SendQueueLen = m.sendQueue.Len()
	}
	m.mu.Lock()
	if m.batch != nil {
		stats.OpenBatchLogs = m.batch.Count()
	}
	m.mu.Unlock()
	return stats
}
