// registry.go — запись результатов шагов в реестр и attr.json.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/TimeBags/timebags/internal/api/middleware"
	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/storage/attr"
	"github.com/TimeBags/timebags/internal/storage/index"
)

// Registry связывает реестр в памяти с attr.json в каталоге данных.
type Registry struct {
	idx     *index.Index
	dataDir string
	logger  *slog.Logger
}

// Provenance — происхождение контейнера для новой записи.
type Provenance struct {
	OriginalName string
	CreatedBy    string
}

// NewRegistry создаёт реестр каталога dataDir.
func NewRegistry(idx *index.Index, dataDir string, logger *slog.Logger) *Registry {
	return &Registry{
		idx:     idx,
		dataDir: dataDir,
		logger:  logger.With(slog.String("component", "registry")),
	}
}

// Index возвращает реестр в памяти.
func (r *Registry) Index() *index.Index {
	return r.idx
}

// DataDir возвращает каталог контейнеров.
func (r *Registry) DataDir() string {
	return r.dataDir
}

// Path возвращает путь контейнера по имени.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dataDir, name)
}

// Tracks проверяет, что контейнер лежит в каталоге данных.
func (r *Registry) Tracks(path string) bool {
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return false
	}
	root, err := filepath.Abs(r.dataDir)
	if err != nil {
		return false
	}
	return abs == root
}

// Record сохраняет итог шага: обновляет запись реестра и attr.json.
// Контейнеры вне каталога данных не регистрируются (возвращается nil).
func (r *Registry) Record(path string, st *model.Status, failure error, prov *Provenance) (*model.ContainerRecord, error) {
	if !r.Tracks(path) {
		return nil, nil
	}

	name := filepath.Base(path)
	now := time.Now().UTC()

	rec := r.idx.Get(name)
	if rec == nil {
		rec = &model.ContainerRecord{Name: name, CreatedAt: now}
	}
	if prov != nil {
		if rec.OriginalName == "" {
			rec.OriginalName = prov.OriginalName
		}
		if rec.CreatedBy == "" {
			rec.CreatedBy = prov.CreatedBy
		}
	}

	rec.Phase = st.Result
	rec.LastStepAt = &now
	rec.LastError = ""
	if failure != nil {
		rec.LastError = failure.Error()
	}

	size, sum, err := fileDigest(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения контейнера %s: %w", name, err)
	}
	rec.Size = size
	rec.Checksum = sum

	if err := attr.Write(attr.PathFor(path), rec); err != nil {
		return nil, fmt.Errorf("ошибка записи attr.json %s: %w", name, err)
	}
	r.idx.Put(rec)
	return rec, nil
}

// Register добавляет контейнер, найденный на диске, с офлайн-фазой.
func (r *Registry) Register(path string, p phase.Phase) (*model.ContainerRecord, error) {
	size, sum, err := fileDigest(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения контейнера %s: %w", path, err)
	}

	createdAt := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		createdAt = info.ModTime().UTC()
	}

	rec := &model.ContainerRecord{
		Name:      filepath.Base(path),
		CreatedAt: createdAt,
		Size:      size,
		Checksum:  sum,
		Phase:     p,
	}
	if err := attr.Write(attr.PathFor(path), rec); err != nil {
		return nil, fmt.Errorf("ошибка записи attr.json %s: %w", rec.Name, err)
	}
	r.idx.Put(rec)
	return rec, nil
}

// Refresh обновляет фазу, размер и контрольную сумму записи по диску.
// Возвращает true, если запись изменилась.
func (r *Registry) Refresh(path string, p phase.Phase) (bool, error) {
	name := filepath.Base(path)
	rec := r.idx.Get(name)
	if rec == nil {
		_, err := r.Register(path, p)
		return err == nil, err
	}

	size, sum, err := fileDigest(path)
	if err != nil {
		return false, fmt.Errorf("ошибка чтения контейнера %s: %w", name, err)
	}
	if rec.Phase == p && rec.Size == size && rec.Checksum == sum {
		return false, nil
	}

	rec.Phase = p
	rec.Size = size
	rec.Checksum = sum
	if err := attr.Write(attr.PathFor(path), rec); err != nil {
		return false, fmt.Errorf("ошибка записи attr.json %s: %w", name, err)
	}
	r.idx.Put(rec)
	return true, nil
}

// Forget удаляет запись и attr.json.
func (r *Registry) Forget(name string) error {
	r.idx.Remove(name)
	return attr.Delete(attr.PathFor(r.Path(name)))
}

// PublishMetrics выставляет gauges реестра: число контейнеров по фазе
// и суммарный размер.
func (r *Registry) PublishMetrics() {
	counts := r.idx.CountByPhase()
	for _, p := range []phase.Phase{phase.Unknown, phase.Incomplete, phase.Pending, phase.Upgraded} {
		middleware.ContainersTotal.WithLabelValues(string(p)).Set(float64(counts[p]))
	}
	middleware.StorageBytes.Set(float64(r.idx.TotalSize()))
}

// fileDigest возвращает размер и SHA-256 файла.
func fileDigest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
