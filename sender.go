package clsproducer

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	sendUnitMagic = uint32(0x1B35487A)
	userAgent     = "cls-go-producer/1.0"
)

// SendUnit is one serialized batch waiting for delivery.
type SendUnit struct {
	magic      uint32
	data       []byte
	rawLen     int
	compressed bool
	logCount   int
	startSeq   int64
	endSeq     int64
}

func newSendUnit(payload *logPayload, b *Batch) *SendUnit {
	return &SendUnit{
		magic:      sendUnitMagic,
		data:       payload.data,
		rawLen:     payload.rawLen,
		compressed: payload.compressed,
		logCount:   b.Count(),
		startSeq:   b.startSeq,
		endSeq:     b.endSeq,
	}
}

// classify maps a post outcome to a result code; the checks run in this order.
func classify(status int, requestID, message string) ResultCode {
	switch {
	case status >= 200 && status < 300:
		return ResultOK
	case status <= 0:
		return ResultNetworkError
	case status == http.StatusMethodNotAllowed:
		return ResultParameterError
	case status == http.StatusForbidden:
		return ResultQuotaExceeded
	case status == http.StatusUnauthorized || status == http.StatusNotFound:
		return ResultUnauthorized
	case status >= 500 || requestID == "":
		return ResultServerError
	case strings.Contains(message, timeExpiredMarker):
		return ResultTimeError
	}
	return ResultDiscard
}

func isRetryable(status int, code ResultCode) bool {
	return code == ResultServerError ||
		code == ResultQuotaExceeded ||
		code == ResultNetworkError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}

type backoff struct {
	retryCount  int32
	lastSleepMs int64
}

// next returns the sleep before the following attempt, terminal when no attempt follows.
func (b *backoff) next(cfg *Config, status int, code ResultCode) (sleep time.Duration, terminal bool) {
	if !isRetryable(status, code) {
		return 0, true
	}

	baseMs, maxMs := int64(cfg.BaseRetryBackoffMs), int64(cfg.MaxRetryBackoffMs)
	if cfg.Retries == -1 {
		b.lastSleepMs = baseMs
		return time.Duration(baseMs) * time.Millisecond, false
	}

	if b.lastSleepMs < maxMs && b.retryCount < cfg.Retries {
		sleepMs := maxMs
		if b.retryCount < 62 {
			if grown := baseMs + int64(1)<<b.retryCount; grown < maxMs {
				sleepMs = grown
			}
		}
		b.lastSleepMs = sleepMs
		b.retryCount++
		return time.Duration(sleepMs) * time.Millisecond, false
	}

	return 0, true
}

type sender struct {
	cfg           *Config
	creds         *credentials
	poster        Poster
	persistent    *persistentManager
	metrics       *Metrics
	callback      SendCallback
	releaseBuffer func(n int64)
	shutdownCh    <-chan struct{}
}

func (s *sender) isShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// process sends u until it succeeds, fails for good or the producer shuts down.
func (s *sender) process(u *SendUnit) {
	if u.magic != sendUnitMagic {
		Logger.Error(nil, fmt.Sprintf("send unit magic %x invalid, dropped", u.magic))
		s.finish(u, PostResult{}, ResultInvalid, true)
		return
	}

	var bo backoff
	for {
		if s.isShutdown() {
			// unacknowledged, the persistent copy replays on the next start
			s.releaseBuffer(int64(len(u.data)))
			s.report(u, PostResult{}, ResultSendExitBuffered, false)
			return
		}

		res := s.send(u)
		code := classify(res.StatusCode, res.RequestID, res.Message)
		s.metrics.SendResults.WithLabelValues(code.String()).Inc()

		sleep, terminal := bo.next(s.cfg, res.StatusCode, code)
		if terminal {
			s.finish(u, res, code, code != ResultOK)
			return
		}

		Logger.Warn(nil, fmt.Sprintf("send %d logs to topic %s failed, status %d, request id %s, retry after %s: %s",
			u.logCount, s.cfg.Topic, res.StatusCode, res.RequestID, sleep, res.Message))
		if s.persistent != nil {
			s.persistent.OnSendDone(u.startSeq, u.endSeq, res.StatusCode, code, false)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-s.shutdownCh:
			timer.Stop()
		}
	}
}

func (s *sender) finish(u *SendUnit, res PostResult, code ResultCode, forceFlush bool) {
	s.releaseBuffer(int64(len(u.data)))
	if code != ResultOK {
		Logger.Error(nil, fmt.Sprintf("send %d logs to topic %s gave up with %s, status %d, request id %s: %s",
			u.logCount, s.cfg.Topic, code, res.StatusCode, res.RequestID, res.Message))
	}
	if s.persistent != nil {
		s.persistent.OnSendDone(u.startSeq, u.endSeq, res.StatusCode, code, forceFlush)
	}
	s.report(u, res, code, forceFlush)
}

func (s *sender) report(u *SendUnit, res PostResult, code ResultCode, forceFlush bool) {
	if s.callback == nil {
		return
	}
	s.callback(&SendResult{
		Topic:           s.cfg.Topic,
		Code:            code,
		StatusCode:      res.StatusCode,
		RequestID:       res.RequestID,
		Message:         res.Message,
		LogCount:        u.logCount,
		RawBytes:        u.rawLen,
		CompressedBytes: len(u.data),
		StartSeq:        u.startSeq,
		EndSeq:          u.endSeq,
		ForceFlush:      forceFlush,
	})
}

func (s *sender) send(u *SendUnit) PostResult {
	accessKeyID, accessKeySecret, token := s.creds.get()

	header := http.Header{}
	if u.compressed {
		header.Set("x-cls-compress-type", "lz4")
	}
	header.Set("Host", s.cfg.host())
	header.Set("Content-Type", "application/x-protobuf")
	header.Set("User-Agent", userAgent)
	params := map[string]string{"topic_id": s.cfg.Topic}
	header.Set("Authorization", Sign(accessKeyID, accessKeySecret, http.MethodPost, structuredLogPath, params, header, signExpireSeconds))
	header.Set("x-cls-add-source", "1")
	if token != "" {
		header.Set("X-Cls-Token", token)
	}

	reqURL := s.cfg.endpointURL() + structuredLogPath + "?topic_id=" + url.QueryEscape(s.cfg.Topic)

	start := time.Now()
	res := s.poster.Post(reqURL, header, u.data)
	s.metrics.SendLatency.Observe(time.Since(start).Seconds())
	return res
}
