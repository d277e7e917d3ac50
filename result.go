package clsproducer

type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultInvalid
	ResultWriteError
	ResultDropped
	ResultNetworkError
	ResultQuotaExceeded
	ResultUnauthorized
	ResultServerError
	ResultDiscard
	ResultTimeError
	ResultSendExitBuffered
	ResultParameterError
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultInvalid:
		return "invalid"
	case ResultWriteError:
		return "write_error"
	case ResultDropped:
		return "dropped"
	case ResultNetworkError:
		return "network_error"
	case ResultQuotaExceeded:
		return "quota_exceeded"
	case ResultUnauthorized:
		return "unauthorized"
	case ResultServerError:
		return "server_error"
	case ResultDiscard:
		return "discard"
	case ResultTimeError:
		return "time_error"
	case ResultSendExitBuffered:
		return "send_exit_buffered"
	case ResultParameterError:
		return "parameter_error"
	}
	return "unknown"
}

// SendResult describes the final outcome of one batch.
type SendResult struct {
	Topic           string
	Code            ResultCode
	StatusCode      int
	RequestID       string
	Message         string
	LogCount        int
	RawBytes        int
	CompressedBytes int
	StartSeq        int64
	EndSeq          int64
	// set when the batch was given up instead of acknowledged
	ForceFlush bool
}

// SendCallback is invoked once per batch from a sender goroutine, it must not block for long.
type SendCallback func(result *SendResult)
