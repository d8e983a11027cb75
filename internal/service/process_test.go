package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TimeBags/timebags/internal/asic"
	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
)

// newTestProcessor создаёт обработчик с каталогом данных outDir.
func newTestProcessor(t *testing.T, outDir string) (*Processor, *fakeTSA, *fakeOTS) {
	t.Helper()
	e, ft, fo := newTestEngine(t)
	return NewProcessor(asic.NewBuilder(outDir, testLogger()), e, NewPathLocks(), testLogger()), ft, fo
}

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o640); err != nil {
		t.Fatalf("Ошибка записи %s: %v", name, err)
	}
	return p
}

func TestPathLocks_Serializes(t *testing.T) {
	locks := NewPathLocks()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("/data/a.zip")
			defer unlock()
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("шаги над одним путём не должны пересекаться")
	}
	if len(locks.locks) != 0 {
		t.Errorf("после освобождения блокировки должны удаляться, осталось %d", len(locks.locks))
	}
}

func TestPathLocks_DifferentPathsIndependent(t *testing.T) {
	locks := NewPathLocks()
	unlockA := locks.Lock("/data/a.zip")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("/data/b.zip")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("блокировка другого пути не должна ждать")
	}
}

func TestProcess_Scenarios(t *testing.T) {
	tests := []struct {
		name        string
		files       map[string]string
		wantErrKind asic.BuildErrorKind
		wantName    string
		wantObject  string
	}{
		{
			name:        "пустой файл",
			files:       map[string]string{"empty.txt": ""},
			wantErrKind: asic.KindNoValidInput,
		},
		{
			name:       "один файл",
			files:      map[string]string{"report.pdf": "%PDF-1.7"},
			wantName:   "report.pdf.zip",
			wantObject: "report.pdf",
		},
		{
			name:       "несколько файлов",
			files:      map[string]string{"a.txt": "a", "b.txt": "b"},
			wantName:   "timebag.zip",
			wantObject: model.DataObjectArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outDir := t.TempDir()
			inDir := t.TempDir()
			p, ft, _ := newTestProcessor(t, outDir)

			var inputs []string
			for name, content := range tt.files {
				inputs = append(inputs, writeInput(t, inDir, name, content))
			}

			res, err := p.Process(context.Background(), inputs, ProcessOptions{})
			if tt.wantErrKind != "" {
				if !asic.IsKind(err, tt.wantErrKind) {
					t.Fatalf("ожидалась ошибка %s, получено %v", tt.wantErrKind, err)
				}
				if ft.callCount() != 0 {
					t.Error("при ошибке ввода TSA не вызывается")
				}
				left, _ := os.ReadDir(outDir)
				if len(left) != 0 {
					t.Errorf("в каталоге не должно остаться файлов, найдено %d", len(left))
				}
				return
			}
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if !res.Created {
				t.Error("ожидался новый контейнер")
			}
			if filepath.Base(res.Path) != tt.wantName {
				t.Errorf("ожидалось имя %s, получено %s", tt.wantName, filepath.Base(res.Path))
			}
			if res.Status.Result != phase.Pending {
				t.Errorf("ожидалась фаза %s, получено %s", phase.Pending, res.Status.Result)
			}
			if !entries(t, res.Path)[tt.wantObject] {
				t.Errorf("в контейнере нет объекта данных %s", tt.wantObject)
			}
		})
	}
}

func TestProcess_ExistingContainerInPlace(t *testing.T) {
	dir := t.TempDir()
	p, _, _ := newTestProcessor(t, t.TempDir())
	path := buildContainer(t, dir, "a.txt", "hello")

	res, err := p.Process(context.Background(), []string{path}, ProcessOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Created {
		t.Error("готовый контейнер не должен переупаковываться")
	}
	if res.Path != path {
		t.Errorf("ожидался путь %s, получено %s", path, res.Path)
	}
	if res.Status.Result != phase.Pending {
		t.Errorf("ожидалась фаза %s, получено %s", phase.Pending, res.Status.Result)
	}
}

func TestProcess_Adopt(t *testing.T) {
	outDir := t.TempDir()
	p, _, _ := newTestProcessor(t, outDir)
	src := buildContainer(t, t.TempDir(), "a.txt", "hello")

	res, err := p.Process(context.Background(), []string{src}, ProcessOptions{Adopt: true})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := filepath.Join(outDir, filepath.Base(src))
	if res.Path != want {
		t.Errorf("ожидался путь %s, получено %s", want, res.Path)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("исходный контейнер должен быть удалён после переноса")
	}

	// Повторный перенос с тем же именем — коллизия
	again := buildContainer(t, t.TempDir(), "a.txt", "other")
	_, err = p.Process(context.Background(), []string{again}, ProcessOptions{Adopt: true})
	if !asic.IsKind(err, asic.KindCollision) {
		t.Fatalf("ожидалась коллизия, получено %v", err)
	}
	if _, statErr := os.Stat(again); statErr != nil {
		t.Error("при коллизии исходный контейнер должен остаться")
	}
}

func TestProcess_ExplicitTarget(t *testing.T) {
	p, _, _ := newTestProcessor(t, t.TempDir())
	in := writeInput(t, t.TempDir(), "a.txt", "hello")
	target := filepath.Join(t.TempDir(), "custom.asics")

	res, err := p.Process(context.Background(), []string{in}, ProcessOptions{Target: target})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Path != target {
		t.Errorf("ожидался путь %s, получено %s", target, res.Path)
	}

	_, err = p.Process(context.Background(), []string{in}, ProcessOptions{Target: target})
	if !asic.IsKind(err, asic.KindCollision) {
		t.Errorf("существующий target должен давать коллизию, получено %v", err)
	}
}
