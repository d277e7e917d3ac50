package clsproducer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseMemSizeStrToBytes(t *testing.T) {
	cases := map[string]int64{
		"10":    10,
		"10B":   10,
		"2k":    2 * 1024,
		"2KB":   2 * 1024,
		"64M":   64 * 1024 * 1024,
		"64mb":  64 * 1024 * 1024,
		"10G":   10 * 1024 * 1024 * 1024,
		" 1GB ": 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := parseMemSizeStrToBytes(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %d, want %d", in, got, want)
		}
	}

	for _, in := range []string{"", "abc", "-1M", "1T"} {
		if _, err := parseMemSizeStrToBytes(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}

func TestMkParentDirIfNotExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "wal")
	if err := mkParentDirIfNotExist(path); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("parent is not a dir")
	}
}

func TestGenFileNames(t *testing.T) {
	if got := genSegmentFileName("/tmp/wal", 7); got != "/tmp/wal_007" {
		t.Fatalf("segment name %s", got)
	}
	if got := genIdxFileName("/tmp/wal"); got != "/tmp/wal.idx" {
		t.Fatalf("idx name %s", got)
	}
	if got := genIdxBakFileName("/tmp/wal"); got != "/tmp/wal.idx.bak" {
		t.Fatalf("bak name %s", got)
	}
}
