package clsproducer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/protobuf/encoding/protowire"
)

// countGroupLogs returns how many records a LogGroupList body carries.
func countGroupLogs(t *testing.T, body []byte) int {
	num, typ, n := protowire.ConsumeTag(body)
	if n < 0 || num != groupListFieldGroup || typ != protowire.BytesType {
		t.Errorf("group list tag %d %d %d", num, typ, n)
		return -1
	}
	group, m := protowire.ConsumeBytes(body[n:])
	if m < 0 {
		t.Errorf("group list bytes %d", m)
		return -1
	}

	var logs int
	for len(group) > 0 {
		num, typ, n := protowire.ConsumeTag(group)
		if n < 0 {
			t.Errorf("group tag %d", n)
			return -1
		}
		m := protowire.ConsumeFieldValue(num, typ, group[n:])
		if m < 0 {
			t.Errorf("group field %d", m)
			return -1
		}
		if num == groupFieldLogs {
			logs++
		}
		group = group[n+m:]
	}
	return logs
}

func TestClient_PostLogHTTP(t *testing.T) {
	var receivedLogs atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != structuredLogPath || r.URL.Query().Get("topic_id") != "test-topic" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Authorization") == "" {
			t.Error("request not signed")
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Error(err)
		}
		if r.Header.Get("x-cls-compress-type") == "lz4" {
			raw := make([]byte, 1024*1024)
			n, err := lz4.UncompressBlock(body, raw)
			if err != nil {
				t.Error(err)
			}
			body = raw[:n]
		}
		receivedLogs.Add(int64(countGroupLogs(t, body)))
		w.Header().Set(requestIDHeaderKey, "req-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := newTestConfig()
	cfg.Endpoint = server.URL
	var recorder resultRecorder
	client, err := NewClient(cfg, WithCallback(recorder.callback))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	for i := 0; i < 3; i++ {
		if err = client.PostLog(testRecord(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err = client.PostLogWithFlush(testRecord(3)); err != nil {
		t.Fatal(err)
	}

	results := recorder.waitFor(t, 1, 5*time.Second)
	if results[0].Code != ResultOK || results[0].RequestID != "req-1" || results[0].LogCount != 4 {
		t.Fatalf("result %+v", results[0])
	}
	if receivedLogs.Load() != 4 {
		t.Fatalf("server received %d logs", receivedLogs.Load())
	}

	var metric dto.Metric
	if err = client.Metrics().AppendedLogs.Write(&metric); err != nil {
		t.Fatal(err)
	}
	if metric.GetCounter().GetValue() != 4 {
		t.Fatalf("appended counter %v", metric.GetCounter().GetValue())
	}
	if len(client.Metrics().Collectors()) != 7 {
		t.Fatal("collectors missing")
	}
}

func TestClient_Unauthorized(t *testing.T) {
	var posts atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.Header().Set(requestIDHeaderKey, "req-2")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errorcode":"AuthFailure"}`))
	}))
	defer server.Close()

	cfg := newTestConfig()
	cfg.Endpoint = server.URL
	var recorder resultRecorder
	client, err := NewClient(cfg, WithCallback(recorder.callback))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err = client.PostLogWithFlush(testRecord(0)); err != nil {
		t.Fatal(err)
	}
	results := recorder.waitFor(t, 1, 5*time.Second)
	if results[0].Code != ResultUnauthorized || !results[0].ForceFlush || results[0].StatusCode != http.StatusUnauthorized {
		t.Fatalf("result %+v", results[0])
	}
	if posts.Load() != 1 {
		t.Fatalf("posted %d times", posts.Load())
	}
}

func TestClient_Lifecycle(t *testing.T) {
	if _, err := NewClient(nil); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
	cfg := newTestConfig()
	cfg.Topic = ""
	if _, err := NewClient(cfg); !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}

	client, err := NewClient(newTestConfig(), WithPoster(&fakePoster{}))
	if err != nil {
		t.Fatal(err)
	}
	if !client.IsRunning() {
		t.Fatal("client not running")
	}
	if err = client.PostLog(&LogRecord{}); err == nil {
		t.Fatal("empty record accepted")
	}

	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	if client.IsRunning() {
		t.Fatal("client still running")
	}
	if err = client.PostLog(testRecord(0)); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestClient_ResetSecurityToken(t *testing.T) {
	cfg := newTestConfig()
	cfg.Token = "first"
	poster := &fakePoster{}
	var recorder resultRecorder
	client, err := NewClient(cfg, WithPoster(poster), WithCallback(recorder.callback))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.ResetSecurityToken("second")
	if err = client.PostLogWithFlush(testRecord(0)); err != nil {
		t.Fatal(err)
	}
	recorder.waitFor(t, 1, 5*time.Second)
	if token := poster.last().header.Get("X-Cls-Token"); token != "second" {
		t.Fatalf("token %q", token)
	}
}

func TestClient_PersistentReplay(t *testing.T) {
	cfg := newTestConfig()
	cfg.EnablePersistent = true
	cfg.PersistentFilePath = filepath.Join(t.TempDir(), "wal", "test-topic")
	cfg.Retries = -1
	cfg.BaseRetryBackoffMs = 10

	down := &fakePoster{respond: func(int) PostResult {
		return PostResult{StatusCode: -1, Message: "connection refused"}
	}}
	var firstRun resultRecorder
	client, err := NewClient(cfg, WithPoster(down), WithCallback(firstRun.callback))
	if err != nil {
		t.Fatal(err)
	}
	if err = client.PostLog(testRecord(0)); err != nil {
		t.Fatal(err)
	}
	if err = client.PostLogWithFlush(testRecord(1)); err != nil {
		t.Fatal(err)
	}
	if stats := client.Stats(); !stats.Persistent || !stats.PersistentEnabled {
		t.Fatalf("stats %+v", stats)
	}
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}

	exited := firstRun.snapshot()
	if len(exited) != 1 || exited[0].Code != ResultSendExitBuffered || exited[0].StartSeq < 0 {
		t.Fatalf("first run results %+v", exited)
	}

	up := &fakePoster{}
	var secondRun resultRecorder
	client, err = NewClient(cfg, WithPoster(up), WithCallback(secondRun.callback))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	replayed := secondRun.waitFor(t, 1, 5*time.Second)
	if replayed[0].Code != ResultOK || replayed[0].LogCount != 2 || replayed[0].StartSeq != exited[0].StartSeq {
		t.Fatalf("replayed %+v", replayed[0])
	}
	if cp := client.Stats().Checkpoint; cp.StartSeq != exited[0].StartSeq+1 {
		t.Fatalf("checkpoint %+v", cp)
	}
}

func TestClient_PersistentReplayAfterWrap(t *testing.T) {
	cfg := newTestConfig()
	cfg.EnablePersistent = true
	cfg.PersistentFilePath = filepath.Join(t.TempDir(), "wal", "test-topic")
	cfg.MaxPersistentFileCount = 3
	cfg.MaxPersistentFileSize = 4096
	cfg.Retries = -1
	cfg.BaseRetryBackoffMs = 10

	record := func(i int) *LogRecord {
		return &LogRecord{Contents: []Content{{Key: "msg", Value: fmt.Sprintf("%04d %s", i, strings.Repeat("w", 300))}}}
	}

	var down atomic.Bool
	poster := &fakePoster{respond: func(int) PostResult {
		if down.Load() {
			return PostResult{StatusCode: -1, Message: "connection refused"}
		}
		return PostResult{StatusCode: 200, RequestID: "req"}
	}}
	var firstRun resultRecorder
	client, err := NewClient(cfg, WithPoster(poster), WithCallback(firstRun.callback))
	if err != nil {
		t.Fatal(err)
	}

	// 60 acknowledged batches wrap the 12KB ring several times
	for i := 0; i < 60; i++ {
		if err = client.PostLogWithFlush(record(i)); err != nil {
			t.Fatal(err)
		}
		firstRun.waitFor(t, i+1, 5*time.Second)
	}
	for _, result := range firstRun.snapshot() {
		if result.Code != ResultOK {
			t.Fatalf("first run result %+v", result)
		}
	}
	if cp := client.Stats().Checkpoint; cp.NowOffset <= uint64(3*4096) {
		t.Fatalf("ring never wrapped, checkpoint %+v", cp)
	}

	down.Store(true)
	for i := 60; i < 65; i++ {
		if err = client.PostLogWithFlush(record(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	exited := firstRun.snapshot()[60:]
	if len(exited) != 5 {
		t.Fatalf("first run left %d unsent batches", len(exited))
	}

	var secondRun resultRecorder
	client, err = NewClient(cfg, WithPoster(&fakePoster{}), WithCallback(secondRun.callback))
	if err != nil {
		t.Fatal(err)
	}
	replayed := secondRun.waitFor(t, 5, 5*time.Second)
	for i, result := range replayed {
		if result.Code != ResultOK || result.LogCount != 1 || result.StartSeq != replayed[0].StartSeq+int64(i) {
			t.Fatalf("replayed %d: %+v", i, result)
		}
	}
	if err = client.Close(); err != nil {
		t.Fatal(err)
	}
	if results := secondRun.snapshot(); len(results) != 5 {
		t.Fatalf("second run sent %d batches", len(results))
	}

	third, err := NewClient(cfg, WithPoster(&fakePoster{}))
	if err != nil {
		t.Fatal(err)
	}
	defer third.Close()
	if stats := third.Stats(); stats.ReplayPending != 0 || stats.Unsettled != 0 {
		t.Fatalf("third run replays again, stats %+v", stats)
	}
}
