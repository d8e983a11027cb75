package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TimeBags/timebags/internal/storage/atomicfile"
)

var transactions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tb_wal_transactions_total",
	Help: "Транзакции журнала замен по виду и итогу",
}, []string{"kind", "state"})

// ErrNotPending — транзакция уже закрыта.
var ErrNotPending = errors.New("транзакция уже закрыта")

// WAL реализует archive.Journal и filestore.Journal.
type WAL struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// New открывает журнал в dir, создавая каталог при необходимости.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("каталог WAL %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("каталог WAL %s недоступен для записи: %w", dir, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return &WAL{dir: dir, logger: logger.With(slog.String("component", "wal"))}, nil
}

// Begin регистрирует перезапись контейнера.
func (w *WAL) Begin(container, tempPath string) (string, error) {
	return w.begin(KindRewrite, container, tempPath)
}

// BeginUpload регистрирует приём загрузки.
func (w *WAL) BeginUpload(target, tempPath string) (string, error) {
	return w.begin(KindUpload, target, tempPath)
}

func (w *WAL) begin(kind Kind, target, tempPath string) (string, error) {
	e := &Entry{
		ID:      uuid.NewString(),
		Kind:    kind,
		State:   StatePending,
		Target:  target,
		Temp:    tempPath,
		Started: time.Now().UTC(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.save(e); err != nil {
		return "", fmt.Errorf("открытие транзакции для %s: %w", target, err)
	}
	transactions.WithLabelValues(string(kind), string(StatePending)).Inc()
	w.logger.Debug("Транзакция открыта",
		slog.String("tx_id", e.ID),
		slog.String("operation", string(kind)),
		slog.String("target", target),
	)
	return e.ID, nil
}

// Commit закрывает транзакцию после успешного rename.
func (w *WAL) Commit(id string) error {
	return w.finish(id, StateCommitted)
}

// Rollback закрывает транзакцию, временный файл которой удалён.
func (w *WAL) Rollback(id string) error {
	return w.finish(id, StateRolledBack)
}

func (w *WAL) finish(id string, state State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, err := w.load(id)
	if err != nil {
		return err
	}
	if e.State != StatePending {
		return fmt.Errorf("транзакция %s (%s): %w", id, e.State, ErrNotPending)
	}
	now := time.Now().UTC()
	e.State = state
	e.Finished = &now
	if err := w.save(e); err != nil {
		return fmt.Errorf("закрытие транзакции %s: %w", id, err)
	}
	transactions.WithLabelValues(string(e.Kind), string(state)).Inc()
	w.logger.Debug("Транзакция закрыта",
		slog.String("tx_id", id),
		slog.String("status", string(state)),
		slog.Duration("duration", now.Sub(e.Started)),
	)
	return nil
}

// Get возвращает транзакцию по идентификатору.
func (w *WAL) Get(id string) (*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load(id)
}

// Pending возвращает незакрытые транзакции.
func (w *WAL) Pending() ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []*Entry
	err := w.each(func(_ string, e *Entry) {
		if e.State == StatePending {
			pending = append(pending, e)
		}
	})
	return pending, err
}

// RecoverStats — итог Recover.
type RecoverStats struct {
	// RolledBack — pending-транзакции, временные файлы которых удалены
	RolledBack int
	// Removed — удалённые записи закрытых транзакций
	Removed int
}

// Recover вызывается до первой записи в каталог данных: удаляет
// временные файлы pending-транзакций, затем записи всех закрытых.
// Транзакция, временный файл которой удалить не удалось, остаётся
// pending до следующего запуска.
func (w *WAL) Recover() (RecoverStats, error) {
	var stats RecoverStats

	pending, err := w.Pending()
	if err != nil {
		return stats, err
	}
	for _, e := range pending {
		w.logger.Warn("Незавершённая транзакция",
			slog.String("tx_id", e.ID),
			slog.String("operation", string(e.Kind)),
			slog.String("target", e.Target),
			slog.Time("started_at", e.Started),
		)
		if e.Temp != "" {
			if err := os.Remove(e.Temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.logger.Error("Временный файл не удалён",
					slog.String("tx_id", e.ID),
					slog.String("temp_path", e.Temp),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		if err := w.Rollback(e.ID); err != nil {
			w.logger.Error("Транзакция не откачена",
				slog.String("tx_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		stats.RolledBack++
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	err = w.each(func(path string, e *Entry) {
		if e.State == StatePending {
			return
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Запись журнала не удалена",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return
		}
		stats.Removed++
	})

	if stats.RolledBack > 0 || stats.Removed > 0 {
		w.logger.Info("Журнал восстановлен",
			slog.Int("rolled_back", stats.RolledBack),
			slog.Int("removed", stats.Removed),
		)
	}
	return stats, err
}

// each обходит записи журнала; нечитаемые пропускаются с предупреждением.
// Вызывается под w.mu.
func (w *WAL) each(fn func(path string, e *Entry)) error {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*"+entrySuffix))
	if err != nil {
		return fmt.Errorf("обход каталога WAL: %w", err)
	}
	for _, path := range paths {
		e, err := w.load(strings.TrimSuffix(filepath.Base(path), entrySuffix))
		if err != nil {
			w.logger.Warn("Запись журнала не прочитана",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		fn(path, e)
	}
	return nil
}

func (w *WAL) path(id string) string {
	return filepath.Join(w.dir, id+entrySuffix)
}

func (w *WAL) save(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return atomicfile.Write(w.path(e.ID), data, 0o640)
}

func (w *WAL) load(id string) (*Entry, error) {
	data, err := os.ReadFile(w.path(id))
	if err != nil {
		return nil, fmt.Errorf("транзакция %s: %w", id, err)
	}
	e := new(Entry)
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("транзакция %s: %w", id, err)
	}
	return e, nil
}
