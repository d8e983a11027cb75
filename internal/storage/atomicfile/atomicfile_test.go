package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")

	for _, content := range []string{"первый", "второй"} {
		if err := Write(path, []byte(content), 0o640); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != content {
			t.Errorf("ожидалось %q, получено %q", content, got)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("ожидались права 0640, получены %o", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("временные файлы не удалены: %d записей в каталоге", len(entries))
	}
}

func TestWrite_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "нет", "a.json")
	if err := Write(path, []byte("x"), 0o640); err == nil {
		t.Fatal("ожидалась ошибка для отсутствующего каталога")
	}
}
