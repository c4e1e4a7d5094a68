package sweep

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type sweptRecorder struct {
	mu    sync.Mutex
	swept []int
}

func (r *sweptRecorder) RecordOutcome(string)                     {}
func (r *sweptRecorder) RecordStageLatency(string, time.Duration) {}
func (r *sweptRecorder) RecordCleanupFailure()                    {}
func (r *sweptRecorder) RecordVersionConflict()                   {}
func (r *sweptRecorder) RecordStagingSwept(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swept = append(r.swept, n)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// writeAged はmodTimeをageだけ過去にしたファイルを作成する。
func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	mt := time.Now().Add(-age)
	if err := os.Chtimes(p, mt, mt); err != nil {
		t.Fatal(err)
	}
	return p
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestNewSweepJob_DefaultMaxAge(t *testing.T) {
	job := NewSweepJob(t.TempDir(), 0, nil, nil)
	if job.MaxAge != DefaultMaxAge {
		t.Errorf("MaxAge = %v, want %v", job.MaxAge, DefaultMaxAge)
	}
}

func TestSweepJob_Run_RemovesOnlyExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	old1 := writeAged(t, dir, "1700000000000-a.png", 3*time.Hour)
	old2 := writeAged(t, dir, "1700000000001-b.jpg", 2*time.Hour)
	fresh := writeAged(t, dir, "1700000000002-c.png", time.Minute)
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o700); err != nil {
		t.Fatal(err)
	}

	rec := &sweptRecorder{}
	job := NewSweepJob(dir, time.Hour, rec, newTestLogger(&bytes.Buffer{}))

	removed, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if exists(old1) || exists(old2) {
		t.Error("期限切れのファイルが残っている")
	}
	if !exists(fresh) {
		t.Error("新しいファイルが削除された")
	}
	if !exists(filepath.Join(dir, "nested")) {
		t.Error("ディレクトリが削除された")
	}
	if len(rec.swept) != 1 || rec.swept[0] != 2 {
		t.Errorf("RecordStagingSwept = %v, want [2]", rec.swept)
	}
}

// TestSweepJob_Run_Idempotent は2回目の実行で何も削除せずメトリクスも記録しないことを検証する。
func TestSweepJob_Run_Idempotent(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "old.png", 2*time.Hour)

	rec := &sweptRecorder{}
	job := NewSweepJob(dir, time.Hour, rec, newTestLogger(&bytes.Buffer{}))

	if _, err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	removed, err := job.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("2回目の removed = %d, want 0", removed)
	}
	if len(rec.swept) != 1 {
		t.Errorf("RecordStagingSwept の呼び出し回数 = %d, want 1", len(rec.swept))
	}
}

func TestSweepJob_Run_MissingDirIsNotError(t *testing.T) {
	job := NewSweepJob(filepath.Join(t.TempDir(), "absent"), time.Hour, nil, newTestLogger(&bytes.Buffer{}))

	removed, err := job.Run(context.Background())
	if err != nil {
		t.Errorf("Run() がエラーを返した: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestSweepJob_Run_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "old.png", 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewSweepJob(dir, time.Hour, nil, newTestLogger(&bytes.Buffer{}))
	if _, err := job.Run(ctx); err == nil {
		t.Error("キャンセル済みコンテキストでエラーが返らなかった")
	}
	if !exists(old) {
		t.Error("キャンセル後にファイルが削除された")
	}
}

func TestSweepJob_Run_LogsRemovedCount(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "a.png", 2*time.Hour)
	writeAged(t, dir, "b.png", 2*time.Hour)
	writeAged(t, dir, "c.png", 2*time.Hour)

	var buf bytes.Buffer
	job := NewSweepJob(dir, time.Hour, nil, newTestLogger(&buf))
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry["removed_count"] == float64(3) {
			found = true
		}
	}
	if !found {
		t.Errorf("ログに removed_count=3 が記録されていない。ログ出力: %s", buf.String())
	}
}

// TestSweepJob_Start_RunsImmediatelyAndStops は起動直後に1回実行し、キャンセルで終了することを検証する。
func TestSweepJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "old.png", 2*time.Hour)

	job := NewSweepJob(dir, time.Hour, nil, newTestLogger(&bytes.Buffer{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for exists(old) {
		select {
		case <-deadline:
			t.Fatal("起動直後の掃除が実行されなかった")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start がキャンセル後に終了しなかった")
	}
}
