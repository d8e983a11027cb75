// Пакет index — потокобезопасный in-memory реестр контейнеров.
//
// Реестр строится при старте из attr.json (BuildFromDir) и обновляется
// синхронно шагами завершения и сверкой (Put, Remove). Обеспечивает
// фильтрацию по фазе, пагинацию и выбор контейнеров для апгрейда
// без обращения к диску.
//
// Не персистентный: при рестарте пересобирается из attr.json.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/storage/attr"
)

// Index — реестр контейнеров. Ключ — имя файла контейнера.
type Index struct {
	mu         sync.RWMutex
	containers map[string]*model.ContainerRecord
	ready      bool
	totalSize  int64
	logger     *slog.Logger
}

// New создаёт пустой реестр. Для заполнения вызовите BuildFromDir.
func New(logger *slog.Logger) *Index {
	return &Index{
		containers: make(map[string]*model.ContainerRecord),
		logger:     logger.With(slog.String("component", "index")),
	}
}

// BuildFromDir строит реестр из attr.json в каталоге данных.
// Заменяет текущее содержимое и помечает реестр готовым.
func (idx *Index) BuildFromDir(dataDir string) error {
	records, err := attr.ScanDir(dataDir)
	if err != nil {
		return fmt.Errorf("ошибка сканирования директории %s: %w", dataDir, err)
	}

	idx.Replace(records)

	idx.logger.Info("Реестр контейнеров построен",
		slog.Int("containers", idx.Count()),
		slog.String("data_dir", dataDir),
	)
	return nil
}

// Replace заменяет содержимое реестра и помечает его готовым.
func (idx *Index) Replace(records []*model.ContainerRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.containers = make(map[string]*model.ContainerRecord, len(records))
	idx.totalSize = 0
	for _, rec := range records {
		copied := *rec
		idx.containers[rec.Name] = &copied
		idx.totalSize += rec.Size
	}
	idx.ready = true
}

// IsReady возвращает true, если реестр построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Put добавляет или заменяет запись.
func (idx *Index) Put(rec *model.ContainerRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.containers[rec.Name]; ok {
		idx.totalSize -= old.Size
	}
	copied := *rec
	idx.containers[rec.Name] = &copied
	idx.totalSize += rec.Size
}

// Remove удаляет запись. Возвращает true, если запись была.
func (idx *Index) Remove(name string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	old, ok := idx.containers[name]
	if !ok {
		return false
	}
	idx.totalSize -= old.Size
	delete(idx.containers, name)
	return true
}

// Get возвращает копию записи или nil.
func (idx *Index) Get(name string) *model.ContainerRecord {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rec, ok := idx.containers[name]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// List возвращает страницу записей и общее число с учётом фильтра.
// limit 0 — все; пустой phaseFilter — без фильтра.
// Сортировка: новые первые, при равенстве — по имени.
func (idx *Index) List(limit, offset int, phaseFilter phase.Phase) ([]*model.ContainerRecord, int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var filtered []*model.ContainerRecord
	for _, rec := range idx.containers {
		if phaseFilter != "" && rec.Phase != phaseFilter {
			continue
		}
		copied := *rec
		filtered = append(filtered, &copied)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].Name < filtered[j].Name
	})

	total := len(filtered)
	if offset >= total {
		return nil, total
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return filtered[offset:end], total
}

// NonTerminal возвращает имена контейнеров, ещё не достигших UPGRADED,
// в алфавитном порядке. UNKNOWN тоже пропускается: шагать нечего.
func (idx *Index) NonTerminal() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var names []string
	for name, rec := range idx.containers {
		if rec.Phase.Terminal() || rec.Phase == phase.Unknown {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names возвращает имена всех контейнеров.
func (idx *Index) Names() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	names := make([]string, 0, len(idx.containers))
	for name := range idx.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count возвращает число контейнеров.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.containers)
}

// CountByPhase возвращает число контейнеров в каждой фазе.
func (idx *Index) CountByPhase() map[phase.Phase]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[phase.Phase]int)
	for _, rec := range idx.containers {
		counts[rec.Phase]++
	}
	return counts
}

// TotalSize возвращает суммарный размер архивов в байтах.
func (idx *Index) TotalSize() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalSize
}
