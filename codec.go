package clsproducer

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the collector schema:
//
//	LogGroupList { repeated LogGroup logGroupList = 1; }
//	LogGroup     { repeated Log logs = 1; string source = 4; repeated LogTag logTags = 5; }
//	Log          { int64 time = 1; repeated Content contents = 2; }
//	Content      { string key = 1; string value = 2; }
//	LogTag       { string key = 1; string value = 2; }
const (
	groupListFieldGroup protowire.Number = 1
	groupFieldLogs      protowire.Number = 1
	groupFieldSource    protowire.Number = 4
	groupFieldTag       protowire.Number = 5
	logFieldTime        protowire.Number = 1
	logFieldContent     protowire.Number = 2
	pairFieldKey        protowire.Number = 1
	pairFieldValue      protowire.Number = 2
)

type Content struct {
	Key   string
	Value string
}

type LogRecord struct {
	// zero means the time the record is appended
	Time     time.Time
	Contents []Content
}

func (r *LogRecord) unixMilli() int64 {
	if r.Time.IsZero() {
		return time.Now().UnixMilli()
	}
	return r.Time.UnixMilli()
}

func pairSize(key, value string) int {
	return protowire.SizeTag(pairFieldKey) + protowire.SizeBytes(len(key)) +
		protowire.SizeTag(pairFieldValue) + protowire.SizeBytes(len(value))
}

func appendPair(b []byte, key, value string) []byte {
	b = protowire.AppendTag(b, pairFieldKey, protowire.BytesType)
	b = protowire.AppendString(b, key)
	b = protowire.AppendTag(b, pairFieldValue, protowire.BytesType)
	return protowire.AppendString(b, value)
}

func logBodySize(timeMs int64, contents []Content) int {
	size := protowire.SizeTag(logFieldTime) + protowire.SizeVarint(uint64(timeMs))
	for _, c := range contents {
		size += protowire.SizeTag(logFieldContent) + protowire.SizeBytes(pairSize(c.Key, c.Value))
	}
	return size
}

// encodedLogSize is the number of bytes appendLog adds for the record.
func encodedLogSize(timeMs int64, contents []Content) int {
	return protowire.SizeTag(groupFieldLogs) + protowire.SizeBytes(logBodySize(timeMs, contents))
}

// appendLog writes one record as a length prefixed LogGroup.logs entry.
func appendLog(b []byte, timeMs int64, contents []Content) []byte {
	b = protowire.AppendTag(b, groupFieldLogs, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(logBodySize(timeMs, contents)))
	b = protowire.AppendTag(b, logFieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(timeMs))
	for _, c := range contents {
		b = protowire.AppendTag(b, logFieldContent, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(pairSize(c.Key, c.Value)))
		b = appendPair(b, c.Key, c.Value)
	}
	return b
}

func appendLogTag(b []byte, key, value string) []byte {
	b = protowire.AppendTag(b, groupFieldTag, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(pairSize(key, value)))
	return appendPair(b, key, value)
}

func consumeField(b []byte, wantNum protowire.Number, wantType protowire.Type) ([]byte, int, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	if num != wantNum || typ != wantType {
		return nil, 0, fmt.Errorf("unexpected field %d type %d", num, typ)
	}
	val, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return nil, 0, protowire.ParseError(m)
	}
	return val, n + m, nil
}

// decodeLog parses one stored record, it must span buf exactly.
func decodeLog(buf []byte) (LogRecord, error) {
	var rec LogRecord

	body, n, err := consumeField(buf, groupFieldLogs, protowire.BytesType)
	if err != nil {
		return rec, err
	}
	if n != len(buf) {
		return rec, fmt.Errorf("record has %d trailing bytes", len(buf)-n)
	}

	var hasTime bool
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return rec, protowire.ParseError(n)
		}
		body = body[n:]

		switch {
		case num == logFieldTime && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			rec.Time = time.UnixMilli(int64(v))
			hasTime = true
			body = body[m:]
		case num == logFieldContent && typ == protowire.BytesType:
			pair, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			key, value, err := decodePair(pair)
			if err != nil {
				return rec, err
			}
			rec.Contents = append(rec.Contents, Content{Key: key, Value: value})
			body = body[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, body)
			if m < 0 {
				return rec, protowire.ParseError(m)
			}
			body = body[m:]
		}
	}

	if !hasTime {
		return rec, fmt.Errorf("record without time")
	}
	return rec, nil
}

func decodePair(buf []byte) (string, string, error) {
	key, n, err := consumeField(buf, pairFieldKey, protowire.BytesType)
	if err != nil {
		return "", "", err
	}
	value, m, err := consumeField(buf[n:], pairFieldValue, protowire.BytesType)
	if err != nil {
		return "", "", err
	}
	if n+m != len(buf) {
		return "", "", fmt.Errorf("content has %d trailing bytes", len(buf)-n-m)
	}
	return string(key), string(value), nil
}

// appendLogGroupList wraps encoded records, source and tags into a single group list.
func appendLogGroupList(b []byte, logs []byte, source string, tags []byte) []byte {
	groupSize := len(logs) + len(tags)
	if source != "" {
		groupSize += protowire.SizeTag(groupFieldSource) + protowire.SizeBytes(len(source))
	}

	b = protowire.AppendTag(b, groupListFieldGroup, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(groupSize))
	b = append(b, logs...)
	if source != "" {
		b = protowire.AppendTag(b, groupFieldSource, protowire.BytesType)
		b = protowire.AppendString(b, source)
	}
	return append(b, tags...)
}
