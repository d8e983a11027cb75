package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/storage/attr"
	"github.com/TimeBags/timebags/internal/storage/index"
)

// setupUpgradeTestEnv создаёт каталог данных с зарегистрированными контейнерами.
func setupUpgradeTestEnv(t *testing.T, names ...string) (*UpgradeService, *Registry, *fakeOTS) {
	t.Helper()
	dataDir := t.TempDir()
	proc, _, fo := newTestProcessor(t, dataDir)
	reg := NewRegistry(index.New(testLogger()), dataDir, testLogger())

	for _, n := range names {
		path := buildContainer(t, dataDir, n, "content of "+n)
		if _, err := reg.Register(path, phase.Incomplete); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	return NewUpgradeService(proc, reg, 2, 0, testLogger()), reg, fo
}

func TestUpgradeRunOnce_CompletesContainers(t *testing.T) {
	us, reg, fo := setupUpgradeTestEnv(t, "a.txt", "b.txt", "c.txt")

	var (
		mu    sync.Mutex
		hooks []string
	)
	us.SetStepHook(func(name string) {
		mu.Lock()
		hooks = append(hooks, name)
		mu.Unlock()
	})

	summary, skipped := us.RunOnce(context.Background())
	if skipped {
		t.Fatal("проход пропущен")
	}
	if summary.Checked != 3 || summary.Progressed != 3 || summary.Failed != 0 {
		t.Errorf("неожиданный итог первого прохода: %+v", summary)
	}
	if len(hooks) != 3 {
		t.Errorf("ожидалось 3 вызова hook, получено %d", len(hooks))
	}
	for _, rec := range reg.Index().Names() {
		got := reg.Index().Get(rec)
		if got.Phase != phase.Pending {
			t.Errorf("%s: ожидалась фаза %s, получено %s", rec, phase.Pending, got.Phase)
		}
		if got.LastStepAt == nil {
			t.Errorf("%s: не заполнено время шага", rec)
		}
		stored, err := attr.Read(attr.PathFor(reg.Path(rec)))
		if err != nil {
			t.Fatalf("attr.Read: %v", err)
		}
		if stored.Phase != phase.Pending || stored.Checksum != got.Checksum {
			t.Errorf("%s: attr.json не совпадает с реестром", rec)
		}
	}

	fo.confirm(100)
	summary, _ = us.RunOnce(context.Background())
	if summary.Upgraded != 3 {
		t.Errorf("ожидалось 3 завершённых контейнера, получено %d", summary.Upgraded)
	}

	// Завершённые контейнеры в проход не попадают
	summary, _ = us.RunOnce(context.Background())
	if summary.Checked != 0 {
		t.Errorf("ожидалось 0 проверенных, получено %d", summary.Checked)
	}
	if counts := reg.Index().CountByPhase(); counts[phase.Upgraded] != 3 {
		t.Errorf("ожидалось 3 UPGRADED, получено %v", counts)
	}
}

func TestUpgradeRunOnce_FailureRecorded(t *testing.T) {
	us, reg, fo := setupUpgradeTestEnv(t, "a.txt")
	fo.stampErr = errTestCalendar

	summary, _ := us.RunOnce(context.Background())
	if summary.Failed != 1 {
		t.Errorf("ожидался 1 отказ, получено %d", summary.Failed)
	}

	rec := reg.Index().Get("a.txt.zip")
	if rec == nil {
		t.Fatal("запись пропала из реестра")
	}
	if rec.LastError == "" {
		t.Error("ошибка шага должна сохраняться в записи")
	}
	if rec.Phase != phase.Incomplete {
		t.Errorf("ожидалась фаза %s, получено %s", phase.Incomplete, rec.Phase)
	}

	fo.stampErr = nil
	us.RunOnce(context.Background())
	if rec := reg.Index().Get("a.txt.zip"); rec.LastError != "" {
		t.Errorf("после успешного шага ошибка сбрасывается, получено %q", rec.LastError)
	}
}

func TestUpgradeRunOnce_SkipsWhenInProgress(t *testing.T) {
	us, _, _ := setupUpgradeTestEnv(t)

	us.mu.Lock()
	us.inProcess = true
	us.mu.Unlock()

	if !us.IsInProgress() {
		t.Fatal("ожидался флаг выполнения")
	}
	summary, skipped := us.RunOnce(context.Background())
	if !skipped || summary != nil {
		t.Error("параллельный проход должен пропускаться")
	}
}

func TestUpgradeRunOnce_CancelledContext(t *testing.T) {
	us, _, fo := setupUpgradeTestEnv(t, "a.txt", "b.txt")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, _ := us.RunOnce(ctx)
	if summary.Checked != 0 || fo.stampCalls != 0 {
		t.Errorf("после отмены шаги не начинаются: %+v", summary)
	}
}

func TestRegistry_RecordOutsideDataDir(t *testing.T) {
	reg := NewRegistry(index.New(testLogger()), t.TempDir(), testLogger())
	e, _, _ := newTestEngine(t)
	path := buildContainer(t, t.TempDir(), "a.txt", "hello")

	rec, err := reg.Record(path, e.Status(path), nil, nil)
	if err != nil || rec != nil {
		t.Errorf("контейнер вне каталога данных не регистрируется: %v %v", rec, err)
	}
	if reg.Tracks(filepath.Join(reg.DataDir(), "x.zip")) == false {
		t.Error("путь в каталоге данных должен отслеживаться")
	}
}
