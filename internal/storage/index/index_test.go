package index

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/storage/attr"
)

// testLogger возвращает логгер для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// createTestRecord создаёт тестовую запись.
func createTestRecord(name string, p phase.Phase, createdAt time.Time) *model.ContainerRecord {
	return &model.ContainerRecord{
		Name:         name,
		OriginalName: name + ".txt",
		CreatedBy:    "admin",
		CreatedAt:    createdAt,
		Size:         1024,
		Phase:        p,
	}
}

// TestNew проверяет создание пустого реестра.
func TestNew(t *testing.T) {
	idx := New(testLogger())

	if idx.Count() != 0 {
		t.Errorf("ожидалось 0 контейнеров, получено %d", idx.Count())
	}
	if idx.IsReady() {
		t.Error("новый реестр не должен быть ready")
	}
}

// TestPutAndGet проверяет добавление и чтение записи.
func TestPutAndGet(t *testing.T) {
	idx := New(testLogger())
	idx.Put(createTestRecord("a.zip", phase.Incomplete, time.Now()))

	if idx.Count() != 1 {
		t.Errorf("ожидался 1 контейнер, получено %d", idx.Count())
	}
	got := idx.Get("a.zip")
	if got == nil {
		t.Fatal("запись не найдена")
	}
	if got.Phase != phase.Incomplete {
		t.Errorf("ожидалась фаза %s, получена %s", phase.Incomplete, got.Phase)
	}
	if idx.Get("missing.zip") != nil {
		t.Error("для отсутствующего контейнера ожидался nil")
	}
}

// TestPut_Overwrite проверяет замену записи и пересчёт размера.
func TestPut_Overwrite(t *testing.T) {
	idx := New(testLogger())
	rec := createTestRecord("a.zip", phase.Incomplete, time.Now())
	idx.Put(rec)

	rec.Phase = phase.Pending
	rec.Size = 4096
	idx.Put(rec)

	if idx.Count() != 1 {
		t.Errorf("ожидался 1 контейнер, получено %d", idx.Count())
	}
	if got := idx.Get("a.zip"); got.Phase != phase.Pending {
		t.Errorf("фаза не обновлена: %s", got.Phase)
	}
	if idx.TotalSize() != 4096 {
		t.Errorf("ожидался размер 4096, получено %d", idx.TotalSize())
	}
}

// TestPut_CopiesData проверяет, что реестр хранит копию.
func TestPut_CopiesData(t *testing.T) {
	idx := New(testLogger())
	rec := createTestRecord("a.zip", phase.Incomplete, time.Now())
	idx.Put(rec)

	rec.Phase = phase.Upgraded
	if got := idx.Get("a.zip"); got.Phase != phase.Incomplete {
		t.Error("изменение исходной записи не должно влиять на реестр")
	}

	got := idx.Get("a.zip")
	got.Phase = phase.Upgraded
	if idx.Get("a.zip").Phase != phase.Incomplete {
		t.Error("изменение полученной копии не должно влиять на реестр")
	}
}

// TestRemove проверяет удаление записи.
func TestRemove(t *testing.T) {
	idx := New(testLogger())
	idx.Put(createTestRecord("a.zip", phase.Pending, time.Now()))

	if !idx.Remove("a.zip") {
		t.Error("Remove должен вернуть true для существующей записи")
	}
	if idx.Remove("a.zip") {
		t.Error("Remove должен вернуть false для отсутствующей записи")
	}
	if idx.Count() != 0 || idx.TotalSize() != 0 {
		t.Errorf("реестр не пуст: %d контейнеров, %d байт", idx.Count(), idx.TotalSize())
	}
}

// TestList_WithPagination проверяет сортировку и пагинацию.
func TestList_WithPagination(t *testing.T) {
	idx := New(testLogger())
	base := time.Now()
	for i := 0; i < 5; i++ {
		idx.Put(createTestRecord(fmt.Sprintf("c%d.zip", i), phase.Pending, base.Add(time.Duration(i)*time.Minute)))
	}

	page, total := idx.List(2, 1, "")
	if total != 5 {
		t.Errorf("ожидалось total=5, получено %d", total)
	}
	if len(page) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(page))
	}
	// новые первые: c4, c3, c2...
	if page[0].Name != "c3.zip" || page[1].Name != "c2.zip" {
		t.Errorf("неожиданный порядок: %s, %s", page[0].Name, page[1].Name)
	}

	page, total = idx.List(10, 10, "")
	if page != nil || total != 5 {
		t.Errorf("смещение за пределами: ожидалось nil/5, получено %v/%d", page, total)
	}

	all, _ := idx.List(0, 0, "")
	if len(all) != 5 {
		t.Errorf("limit=0 должен вернуть все записи, получено %d", len(all))
	}
}

// TestList_WithPhaseFilter проверяет фильтр по фазе.
func TestList_WithPhaseFilter(t *testing.T) {
	idx := New(testLogger())
	now := time.Now()
	idx.Put(createTestRecord("a.zip", phase.Pending, now))
	idx.Put(createTestRecord("b.zip", phase.Upgraded, now))
	idx.Put(createTestRecord("c.zip", phase.Pending, now))

	page, total := idx.List(0, 0, phase.Pending)
	if total != 2 || len(page) != 2 {
		t.Fatalf("ожидалось 2 pending, получено %d", total)
	}
	// при равном времени — по имени
	if page[0].Name != "a.zip" || page[1].Name != "c.zip" {
		t.Errorf("неожиданный порядок: %s, %s", page[0].Name, page[1].Name)
	}
}

// TestNonTerminal проверяет выбор контейнеров для апгрейда.
func TestNonTerminal(t *testing.T) {
	idx := New(testLogger())
	now := time.Now()
	idx.Put(createTestRecord("d.zip", phase.Pending, now))
	idx.Put(createTestRecord("b.zip", phase.Incomplete, now))
	idx.Put(createTestRecord("a.zip", phase.Upgraded, now))
	idx.Put(createTestRecord("c.zip", phase.Unknown, now))

	got := idx.NonTerminal()
	if len(got) != 2 || got[0] != "b.zip" || got[1] != "d.zip" {
		t.Errorf("ожидалось [b.zip d.zip], получено %v", got)
	}
}

// TestCountByPhase проверяет подсчёт по фазам.
func TestCountByPhase(t *testing.T) {
	idx := New(testLogger())
	now := time.Now()
	idx.Put(createTestRecord("a.zip", phase.Pending, now))
	idx.Put(createTestRecord("b.zip", phase.Pending, now))
	idx.Put(createTestRecord("c.zip", phase.Upgraded, now))

	counts := idx.CountByPhase()
	if counts[phase.Pending] != 2 || counts[phase.Upgraded] != 1 || counts[phase.Incomplete] != 0 {
		t.Errorf("неожиданные счётчики: %v", counts)
	}
}

// TestBuildFromDir проверяет построение реестра из attr.json.
func TestBuildFromDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.zip", "b.zip"} {
		rec := createTestRecord(name, phase.Pending, time.Now().UTC())
		if err := attr.Write(attr.PathFor(filepath.Join(dir, name)), rec); err != nil {
			t.Fatalf("ошибка записи attr.json: %v", err)
		}
	}

	idx := New(testLogger())
	idx.Put(createTestRecord("stale.zip", phase.Pending, time.Now()))

	if err := idx.BuildFromDir(dir); err != nil {
		t.Fatalf("ошибка построения: %v", err)
	}
	if !idx.IsReady() {
		t.Error("реестр должен быть ready после построения")
	}
	if idx.Count() != 2 {
		t.Errorf("ожидалось 2 контейнера, получено %d", idx.Count())
	}
	if idx.Get("stale.zip") != nil {
		t.Error("построение должно заменять содержимое реестра")
	}
	if idx.TotalSize() != 2048 {
		t.Errorf("ожидался размер 2048, получено %d", idx.TotalSize())
	}
}

// TestBuildFromDir_EmptyDir проверяет построение из пустого каталога.
func TestBuildFromDir_EmptyDir(t *testing.T) {
	idx := New(testLogger())
	if err := idx.BuildFromDir(t.TempDir()); err != nil {
		t.Fatalf("ошибка построения: %v", err)
	}
	if !idx.IsReady() || idx.Count() != 0 {
		t.Errorf("ожидался готовый пустой реестр, получено %d", idx.Count())
	}
}

// TestConcurrentAccess проверяет потокобезопасность реестра.
func TestConcurrentAccess(t *testing.T) {
	idx := New(testLogger())

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines * 2)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("c%d.zip", id)
			idx.Put(createTestRecord(name, phase.Pending, time.Now()))
			idx.Get(name)
		}(i)
		go func() {
			defer wg.Done()
			idx.List(10, 0, phase.Pending)
			idx.NonTerminal()
			idx.CountByPhase()
		}()
	}
	wg.Wait()

	if idx.Count() != goroutines {
		t.Errorf("ожидалось %d контейнеров, получено %d", goroutines, idx.Count())
	}
}
