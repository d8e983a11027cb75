package wal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestNew(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "nested", "wal")
	if _, err := New(walDir, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("New: %v", err)
	}
	entries, err := os.ReadDir(walDir)
	if err != nil {
		t.Fatalf("каталог WAL не создан: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("после проверки записи каталог должен быть пуст, найдено %d", len(entries))
	}
}

func TestNew_ReadOnlyDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root игнорирует права доступа")
	}
	walDir := filepath.Join(t.TempDir(), "wal")
	if err := os.MkdirAll(walDir, 0o550); err != nil {
		t.Fatal(err)
	}
	if _, err := New(walDir, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("ожидалась ошибка для каталога без права записи")
	}
}

func TestTransactionLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		begin  func(w *WAL) (string, error)
		kind   Kind
		finish func(w *WAL, id string) error
		state  State
	}{
		{
			name:   "перезапись, commit",
			begin:  func(w *WAL) (string, error) { return w.Begin("/data/a.asics", "/data/.a.asics.1.tmp") },
			kind:   KindRewrite,
			finish: (*WAL).Commit,
			state:  StateCommitted,
		},
		{
			name:   "перезапись, rollback",
			begin:  func(w *WAL) (string, error) { return w.Begin("/data/a.asics", "/data/.a.asics.2.tmp") },
			kind:   KindRewrite,
			finish: (*WAL).Rollback,
			state:  StateRolledBack,
		},
		{
			name:   "загрузка, commit",
			begin:  func(w *WAL) (string, error) { return w.BeginUpload("/inbox/u1", "/inbox/.u1.tmp") },
			kind:   KindUpload,
			finish: (*WAL).Commit,
			state:  StateCommitted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWAL(t)

			id, err := tt.begin(w)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			e, err := w.Get(id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if e.Kind != tt.kind || e.State != StatePending || e.Finished != nil || e.Started.IsZero() {
				t.Errorf("неожиданная открытая запись: %+v", e)
			}

			if err := tt.finish(w, id); err != nil {
				t.Fatalf("закрытие: %v", err)
			}
			e, _ = w.Get(id)
			if e.State != tt.state || e.Finished == nil {
				t.Errorf("ожидалось состояние %s с временем закрытия, получено %+v", tt.state, e)
			}

			// Повторное закрытие
			if err := w.Commit(id); !errors.Is(err, ErrNotPending) {
				t.Errorf("ожидалась ErrNotPending, получено %v", err)
			}
			if err := w.Rollback(id); !errors.Is(err, ErrNotPending) {
				t.Errorf("ожидалась ErrNotPending, получено %v", err)
			}
		})
	}
}

func TestUnknownTransaction(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.Get("нет"); err == nil {
		t.Error("Get: ожидалась ошибка")
	}
	if err := w.Commit("нет"); err == nil {
		t.Error("Commit: ожидалась ошибка")
	}
}

func TestPending(t *testing.T) {
	w := newTestWAL(t)

	open1, _ := w.Begin("/data/a.asics", "/data/.a.tmp")
	open2, _ := w.BeginUpload("/inbox/b", "/inbox/.b.tmp")
	closed, _ := w.Begin("/data/c.asics", "/data/.c.tmp")
	if err := w.Commit(closed); err != nil {
		t.Fatal(err)
	}
	// Мусор в каталоге журнала пропускается
	if err := os.WriteFile(w.path("broken"), []byte("{"), 0o640); err != nil {
		t.Fatal(err)
	}

	pending, err := w.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	got := map[string]bool{}
	for _, e := range pending {
		got[e.ID] = true
	}
	if len(got) != 2 || !got[open1] || !got[open2] {
		t.Errorf("ожидались %s и %s, получено %v", open1, open2, got)
	}
}

func TestRecover(t *testing.T) {
	dataDir := t.TempDir()
	w := newTestWAL(t)

	// Брошенный временный файл после сбоя
	orphan := filepath.Join(dataDir, ".a.asics.1.tmp")
	if err := os.WriteFile(orphan, []byte("partial"), 0o640); err != nil {
		t.Fatal(err)
	}
	crashed, _ := w.Begin(filepath.Join(dataDir, "a.asics"), orphan)

	// Временного файла уже нет, запись всё равно откатывается
	vanished, _ := w.BeginUpload(filepath.Join(dataDir, "b"), filepath.Join(dataDir, ".b.tmp"))

	done, _ := w.Begin(filepath.Join(dataDir, "c.asics"), filepath.Join(dataDir, ".c.tmp"))
	if err := w.Commit(done); err != nil {
		t.Fatal(err)
	}

	stats, err := w.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if stats.RolledBack != 2 {
		t.Errorf("ожидалось 2 откаченных транзакции, получено %d", stats.RolledBack)
	}
	// Обе откаченные и одна закрытая
	if stats.Removed != 3 {
		t.Errorf("ожидалось 3 удалённые записи, получено %d", stats.Removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("временный файл должен быть удалён")
	}
	for _, id := range []string{crashed, vanished, done} {
		if _, err := w.Get(id); err == nil {
			t.Errorf("запись %s должна быть удалена", id)
		}
	}

	again, err := w.Recover()
	if err != nil || again != (RecoverStats{}) {
		t.Errorf("повторный Recover: %+v, %v", again, err)
	}
}

func TestConcurrentTransactions(t *testing.T) {
	w := newTestWAL(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := w.Begin("/data/shared.asics", "/data/.shared.tmp")
			if err == nil {
				err = w.Commit(id)
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("параллельная транзакция: %v", err)
	}
	if pending, _ := w.Pending(); len(pending) != 0 {
		t.Errorf("не должно остаться открытых транзакций, получено %d", len(pending))
	}
}
