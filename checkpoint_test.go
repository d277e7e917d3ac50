package clsproducer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpointRec_SaveLoad(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "wal")
	rec := newCheckpointRec(basePath)

	if _, ok, err := rec.load(); ok || err != nil {
		t.Fatalf("fresh load got ok %v err %v", ok, err)
	}

	cp := Checkpoint{StartOffset: 10, NowOffset: 99, StartSeq: 1000, NowSeq: 1003}
	if err := rec.save(&cp); err != nil {
		t.Fatal(err)
	}
	cp.StartOffset, cp.StartSeq = 50, 1002
	if err := rec.save(&cp); err != nil {
		t.Fatal(err)
	}
	rec.close()

	loaded, ok, err := newCheckpointRec(basePath).load()
	if err != nil || !ok {
		t.Fatalf("load ok %v err %v", ok, err)
	}
	if loaded != cp {
		t.Fatalf("loaded %+v, saved %+v", loaded, cp)
	}
}

func TestCheckpointRec_Checksum(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "wal")
	rec := newCheckpointRec(basePath)
	cp := Checkpoint{StartOffset: 1, NowOffset: 2, StartSeq: 3, NowSeq: 4}
	if err := rec.save(&cp); err != nil {
		t.Fatal(err)
	}
	rec.close()

	buf, err := os.ReadFile(genIdxFileName(basePath))
	if err != nil {
		t.Fatal(err)
	}
	buf[32]++
	if err = os.WriteFile(genIdxFileName(basePath), buf, 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err = newCheckpointRec(basePath).load(); !errors.Is(err, errCheckpointChecksum) {
		t.Fatalf("expected errCheckpointChecksum, got %v", err)
	}
}

func TestCheckpointRec_TornTail(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "wal")
	rec := newCheckpointRec(basePath)
	cp := Checkpoint{StartOffset: 7, NowOffset: 8, StartSeq: 9, NowSeq: 10}
	if err := rec.save(&cp); err != nil {
		t.Fatal(err)
	}
	rec.close()

	fp, err := os.OpenFile(genIdxFileName(basePath), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = fp.Write([]byte("torn")); err != nil {
		t.Fatal(err)
	}
	fp.Close()

	loaded, ok, err := newCheckpointRec(basePath).load()
	if err != nil || !ok || loaded != cp {
		t.Fatalf("load %+v ok %v err %v", loaded, ok, err)
	}
	info, err := os.Stat(genIdxFileName(basePath))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != checkpointBytes {
		t.Fatalf("torn tail not truncated, size %d", info.Size())
	}
}

func TestCheckpointRec_Rotate(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "wal")
	rec := newCheckpointRec(basePath)

	var cp Checkpoint
	for i := 0; i <= checkpointMaxRecords; i++ {
		cp = Checkpoint{NowOffset: uint64(i), NowSeq: int64(i)}
		if err := rec.save(&cp); err != nil {
			t.Fatal(err)
		}
	}
	rec.close()

	info, err := os.Stat(genIdxFileName(basePath))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != checkpointBytes {
		t.Fatalf("rotated file has %d bytes", info.Size())
	}
	if fileExists(genIdxBakFileName(basePath)) {
		t.Fatal("bak file left behind")
	}

	loaded, ok, err := newCheckpointRec(basePath).load()
	if err != nil || !ok || loaded != cp {
		t.Fatalf("load %+v ok %v err %v", loaded, ok, err)
	}
}
