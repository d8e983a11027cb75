// process.go — единая точка входа CLI и API: упаковать ввод при
// необходимости и выполнить один шаг автомата завершения.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/TimeBags/timebags/internal/asic"
	"github.com/TimeBags/timebags/internal/domain/model"
)

// PathLocks — блокировки контейнеров по пути.
// Шаги над одним путём выполняются строго последовательно.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewPathLocks создаёт пустой набор блокировок.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

// Lock захватывает блокировку пути и возвращает функцию освобождения.
func (l *PathLocks) Lock(path string) func() {
	l.mu.Lock()
	pl, ok := l.locks[path]
	if !ok {
		pl = &pathLock{}
		l.locks[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, path)
		}
		l.mu.Unlock()
	}
}

// ProcessOptions — параметры Process.
type ProcessOptions struct {
	// Target — явный путь нового контейнера (пусто — имя по входу)
	Target string
	// Adopt — корректный контейнер вне каталога данных переносится
	// в каталог данных, а не обрабатывается на месте
	Adopt bool
}

// Result — итог обработки ввода.
type Result struct {
	// Path — путь к контейнеру (новый, если ввод был упакован)
	Path   string
	Status *model.Status
	// Created — контейнер создан этим вызовом
	Created bool
	// Failure — отказ TSA или календарей на шаге; контейнер сохранён
	Failure error
}

// Processor упаковывает ввод и выполняет шаг автомата.
type Processor struct {
	builder *asic.Builder
	engine  *CompletionEngine
	locks   *PathLocks
	logger  *slog.Logger
}

// NewProcessor создаёт обработчик.
func NewProcessor(builder *asic.Builder, engine *CompletionEngine, locks *PathLocks, logger *slog.Logger) *Processor {
	return &Processor{
		builder: builder,
		engine:  engine,
		locks:   locks,
		logger:  logger.With(slog.String("component", "processor")),
	}
}

// Process обрабатывает ввод: единственный корректный ASiC-S контейнер
// используется как есть, всё остальное упаковывается в новый контейнер.
// Затем выполняется ровно один шаг. Ошибки ввода (*asic.BuildError)
// возвращаются до любого изменения архивов.
func (p *Processor) Process(ctx context.Context, inputs []string, opts ProcessOptions) (*Result, error) {
	path, created, err := p.resolve(ctx, inputs, opts)
	if err != nil {
		return nil, err
	}

	step, err := p.Step(ctx, path)
	if err != nil {
		return nil, err
	}

	return &Result{
		Path:    path,
		Status:  step.Status,
		Created: created,
		Failure: step.Failure,
	}, nil
}

// Step выполняет шаг под блокировкой пути.
func (p *Processor) Step(ctx context.Context, path string) (*StepResult, error) {
	unlock := p.locks.Lock(path)
	defer unlock()
	return p.engine.Step(ctx, path)
}

// resolve находит или создаёт контейнер для ввода.
func (p *Processor) resolve(ctx context.Context, inputs []string, opts ProcessOptions) (string, bool, error) {
	if len(inputs) == 1 {
		info, err := os.Stat(inputs[0])
		if err == nil && info.Mode().IsRegular() && asic.Validate(inputs[0]).IsValid() {
			if !opts.Adopt {
				p.logger.Debug("Ввод уже является ASiC-S контейнером", slog.String("path", inputs[0]))
				return inputs[0], false, nil
			}
			dst, err := p.adopt(inputs[0], opts.Target)
			if err != nil {
				return "", false, err
			}
			return dst, true, nil
		}
	}

	var buildOpts []asic.BuildOption
	if opts.Target != "" {
		buildOpts = append(buildOpts, asic.WithTarget(opts.Target))
	}
	path, err := p.builder.Build(ctx, inputs, buildOpts...)
	if err != nil {
		return "", false, err
	}
	p.logger.Info("Создан контейнер", slog.String("path", path))
	return path, true, nil
}

// adopt переносит готовый контейнер в каталог данных без перезаписи
// существующих файлов.
func (p *Processor) adopt(src, target string) (string, error) {
	dst := target
	if dst == "" {
		dst = filepath.Join(p.builder.OutDir(), filepath.Base(src))
	}

	err := os.Link(src, dst)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrExist):
		return "", &asic.BuildError{Kind: asic.KindCollision, Message: fmt.Sprintf("файл уже существует: %s", dst)}
	default:
		// Другая файловая система: копируем
		if err := copyExclusive(src, dst); err != nil {
			return "", err
		}
	}

	if err := os.Remove(src); err != nil {
		p.logger.Warn("Исходный контейнер не удалён",
			slog.String("path", src),
			slog.String("error", err.Error()),
		)
	}
	p.logger.Info("Контейнер перенесён в каталог данных", slog.String("path", dst))
	return dst, nil
}

// copyExclusive копирует файл, не перезаписывая существующий.
func copyExclusive(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &asic.BuildError{Kind: asic.KindIOFailure, Message: "открытие контейнера", Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return &asic.BuildError{Kind: asic.KindCollision, Message: fmt.Sprintf("файл уже существует: %s", dst)}
		}
		return &asic.BuildError{Kind: asic.KindIOFailure, Message: "создание контейнера", Err: err}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return &asic.BuildError{Kind: asic.KindIOFailure, Message: "копирование контейнера", Err: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return &asic.BuildError{Kind: asic.KindIOFailure, Message: "fsync контейнера", Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return &asic.BuildError{Kind: asic.KindIOFailure, Message: "закрытие контейнера", Err: err}
	}
	return nil
}
