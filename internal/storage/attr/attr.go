// Пакет attr — записи реестра на диске.
//
// Рядом с каждым контейнером лежит <name>.attr.json: происхождение
// и последняя наблюдавшаяся фаза. Архив остаётся источником истины,
// запись лишь ускоряет построение реестра и хранит то, чего в архиве нет.
package attr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/storage/atomicfile"
)

// Suffix — суффикс файла записи.
const Suffix = ".attr.json"

const (
	// maxRecordSize — предел сериализованной записи
	maxRecordSize = 4096
	// maxLastError — сколько байт last_error сохраняется
	maxLastError = 1024
)

// PathFor: "/data/report.pdf.asics" → "/data/report.pdf.asics.attr.json".
func PathFor(containerPath string) string {
	return containerPath + Suffix
}

// ContainerPath — обратное к PathFor.
func ContainerPath(recordPath string) string {
	return strings.TrimSuffix(recordPath, Suffix)
}

// IsRecordFile сообщает, является ли путь файлом записи.
func IsRecordFile(path string) bool {
	return strings.HasSuffix(path, Suffix)
}

// Write заменяет запись атомарно. Длинный last_error обрезается,
// запись больше 4 КБ после этого — ошибка.
func Write(path string, rec *model.ContainerRecord) error {
	stored := *rec
	stored.LastError = truncateUTF8(stored.LastError, maxLastError)

	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация записи %s: %w", rec.Name, err)
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("запись %s: %d байт, допустимо не больше %d", rec.Name, len(data), maxRecordSize)
	}
	return atomicfile.Write(path, data, 0o640)
}

// Read читает запись.
func Read(path string) (*model.ContainerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение записи: %w", err)
	}
	rec := new(model.ContainerRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("разбор записи %s: %w", path, err)
	}
	return rec, nil
}

// Delete удаляет запись; отсутствующая запись не ошибка.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("удаление записи %s: %w", path, err)
	}
	return nil
}

// ScanDir читает записи каталога без рекурсии.
// Нечитаемые записи пропускаются: их восстанавливает сверка.
func ScanDir(dir string) ([]*model.ContainerRecord, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Suffix))
	if err != nil {
		return nil, fmt.Errorf("поиск записей в %s: %w", dir, err)
	}
	records := make([]*model.ContainerRecord, 0, len(matches))
	for _, path := range matches {
		if rec, err := Read(path); err == nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
