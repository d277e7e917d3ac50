package clsproducer

import (
	"errors"
	"fmt"
	"time"
)

const (
	refreshCfgInterval = 10 * time.Second
	flushInterval      = time.Second
	drainTickInterval  = 10 * time.Millisecond
	sendPopTimeout     = time.Second
)

const (
	defaultSource      = "undefined"
	packIDTagKey       = "__pack_id__"
	timeExpiredMarker  = "RequestTimeExpired"
	signExpireSeconds  = 300
	structuredLogPath  = "/structuredlog"
	requestIDHeaderKey = "X-Cls-Requestid"
)

const (
	segmentFileFormat = "%s_%03d"
	idxFileSuffix     = ".idx"
	bakFileSuffix     = ".bak"
)

const (
	minLogGroupQueueSize = 32
	maxLogGroupQueueSize = 1024
	maxLogCountPerPkg    = 9999
	maxLogBytesPerPkg    = 5242879
)

type runState int32

const (
	runStateRunning runState = iota + 1
	runStateExiting
	runStateExited
)

var (
	ErrConfigInvalid        = errors.New("producer config invalid")
	ErrDropped              = errors.New("log dropped")
	ErrBufferFull           = fmt.Errorf("%w: buffered bytes exceed limit", ErrDropped)
	ErrQueueFull            = fmt.Errorf("%w: log group queue is full", ErrDropped)
	ErrPersistentFull       = fmt.Errorf("%w: persistent ring file has no room", ErrDropped)
	ErrSerializeFailed      = errors.New("serialize log group failed")
	ErrPersistWriteFailed   = errors.New("write persistent log failed")
	ErrRecoveryFailed       = errors.New("recover persistent log failed")
	ErrPersistentInvalid    = errors.New("persistent manager is invalid")
	ErrClientClosed         = errors.New("client already closed")
	errFileCorrupted        = errors.New("oh wtf?? file occur corruption")
	errCheckpointChecksum   = errors.New("checkpoint checksum mismatch")
	errRingFileCleanInvalid = errors.New("clean offset beyond ring file position")
)

// Checkpoint record format is (little endian):
// version | signature | start offset | now offset | start seq | now seq | checksum | reserved
//
//	8      |    16     |      8       |      8     |     8     |    8    |    8     |    32
const (
	checkpointBytes      = 96
	checkpointVersion    = uint64(1)
	checkpointMaxRecords = 1024
)

// Persistent item format is:
// magic | seq | payload size | record count | flags | record lens | payload
//
//	8   |  8  |      8       |      8       |   8   |  4 * count  |    V
const (
	itemHeaderBytes    = 40
	itemLenBytes       = 4
	itemHeaderMagic    = uint64(0xf7216a5b76df67f5)
	itemFlagSnappy     = uint64(1)
	maxItemPayload     = 10 * 1024 * 1024
	maxItemLogCount    = 10000
	maxReplaySeqJump   = 1024 * 1024
	maxAckSeqRange     = 1024 * 1024
	bufferEnoughMargin = 1024
)
