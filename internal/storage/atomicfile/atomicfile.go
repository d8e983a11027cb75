// Пакет atomicfile — замена файла целиком: читатель видит либо
// старое содержимое, либо новое.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write записывает data во временный файл рядом с path, делает fsync
// и переименовывает. Имя временного файла начинается с точки, поэтому
// сканеры каталога данных его пропускают.
func Write(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("создание временного файла в %s: %w", dir, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("запись %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("закрытие %s: %w", tmp, err)
	}
	if err = os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("права %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("переименование в %s: %w", path, err)
	}
	return nil
}
