package clsproducer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func genSegmentFileName(basePath string, idx int) string {
	return fmt.Sprintf(segmentFileFormat, basePath, idx)
}

func genIdxFileName(basePath string) string {
	return basePath + idxFileSuffix
}

func genIdxBakFileName(basePath string) string {
	return basePath + idxFileSuffix + bakFileSuffix
}

func mkdirIfNotExist(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return err
		}

		if err = os.MkdirAll(dir, os.ModePerm); err != nil {
			return err
		}
	}
	return nil
}

func mkParentDirIfNotExist(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return mkdirIfNotExist(dir)
}

// writeAtFull keeps writing until buf is exhausted or the file reports an error.
func writeAtFull(fp *os.File, buf []byte, off int64) (int, error) {
	var n int
	for n < len(buf) {
		more, err := fp.WriteAt(buf[n:], off+int64(n))
		n += more
		if err != nil {
			return n, err
		}
		if more == 0 {
			return n, io.ErrShortWrite
		}
	}
	return n, nil
}

func writeFull(w io.Writer, buf []byte) error {
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	for n < len(buf) {
		more, err := w.Write(buf[n:])
		if err != nil {
			return err
		}
		n += more
	}
	return nil
}

// parseMemSizeStrToBytes accepts XX/XXB/XXK/XXKB/XXM/XXMB/XXG/XXGB.
func parseMemSizeStrToBytes(size string) (int64, error) {
	size = strings.ToUpper(strings.TrimSpace(size))
	var unit int64 = 1
	switch true {
	case strings.HasSuffix(size, "KB"), strings.HasSuffix(size, "K"):
		unit = 1024
		size = strings.TrimSuffix(strings.TrimSuffix(size, "B"), "K")
	case strings.HasSuffix(size, "MB"), strings.HasSuffix(size, "M"):
		unit = 1024 * 1024
		size = strings.TrimSuffix(strings.TrimSuffix(size, "B"), "M")
	case strings.HasSuffix(size, "GB"), strings.HasSuffix(size, "G"):
		unit = 1024 * 1024 * 1024
		size = strings.TrimSuffix(strings.TrimSuffix(size, "B"), "G")
	case strings.HasSuffix(size, "B"):
		size = strings.TrimSuffix(size, "B")
	}
	sizeVal, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, err
	}
	if sizeVal < 0 {
		return 0, fmt.Errorf("negative size %d", sizeVal)
	}
	return sizeVal * unit, nil
}
