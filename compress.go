package clsproducer

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// compressLZ4 returns ok=false when the input does not shrink, callers then send it raw.
func compressLZ4(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return nil, false, nil
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, false, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 {
		return nil, false, nil
	}
	return destination[:written], true, nil
}

func encodeSnappy(data []byte) []byte {
	return snappy.Encode(nil, data)
}

func decodeSnappy(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
