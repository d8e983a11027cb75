package asic

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/storage/archive"
)

// BuildErrorKind — класс ошибки сборки контейнера.
type BuildErrorKind string

const (
	// KindCollision — свободное имя для нового контейнера не найдено
	KindCollision BuildErrorKind = "COLLISION"
	// KindIOFailure — ошибка ввода-вывода при упаковке
	KindIOFailure BuildErrorKind = "IO_FAILURE"
	// KindNoValidInput — во входных данных нечего упаковывать
	KindNoValidInput BuildErrorKind = "NO_VALID_INPUT"
)

// BuildError — типизированная ошибка сборки.
// Collision и IOFailure можно повторить, NoValidInput — нет.
type BuildError struct {
	Kind    BuildErrorKind
	Message string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// IsKind проверяет, что err — *BuildError указанного класса.
func IsKind(err error, kind BuildErrorKind) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Kind == kind
}

func buildErr(kind BuildErrorKind, err error, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

const (
	// defaultPrefix — имя контейнера для нескольких входов или директории
	defaultPrefix = "timebag"
	// defaultMaxSuffix — предел перебора суффиксов _N
	defaultMaxSuffix = 999
)

// Builder упаковывает входные файлы и директории в новый ASiC-S контейнер.
type Builder struct {
	outDir     string
	scratchDir string
	maxSuffix  int
	logger     *slog.Logger
}

// NewBuilder создаёт сборщик, складывающий контейнеры в outDir.
func NewBuilder(outDir string, logger *slog.Logger) *Builder {
	return &Builder{
		outDir:    outDir,
		maxSuffix: defaultMaxSuffix,
		logger:    logger.With(slog.String("component", "builder")),
	}
}

// SetScratchDir задаёт каталог для промежуточного dataobject.zip
// (по умолчанию — системный временный каталог).
func (b *Builder) SetScratchDir(dir string) {
	b.scratchDir = dir
}

// OutDir возвращает каталог создаваемых контейнеров.
func (b *Builder) OutDir() string {
	return b.outDir
}

type buildOptions struct {
	target string
}

// BuildOption — опция Build.
type BuildOption func(*buildOptions)

// WithTarget задаёт явный путь нового контейнера.
// Существующий файл по этому пути даёт Collision.
func WithTarget(path string) BuildOption {
	return func(o *buildOptions) {
		o.target = path
	}
}

// input — проверенный входной путь.
type input struct {
	path string
	info fs.FileInfo
}

// Build упаковывает inputs в новый контейнер и возвращает его путь.
// Один обычный файл становится объектом данных как есть; несколько
// входов или директория сначала собираются в dataobject.zip.
// При любой ошибке частично записанный контейнер удаляется.
func (b *Builder) Build(ctx context.Context, inputs []string, opts ...BuildOption) (string, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(inputs) == 0 {
		return "", buildErr(KindNoValidInput, nil, "входные пути не указаны")
	}

	checked := make([]input, 0, len(inputs))
	for _, p := range inputs {
		info, err := os.Stat(p)
		if err != nil {
			return "", buildErr(KindNoValidInput, err, "путь недоступен: %s", p)
		}
		checked = append(checked, input{path: p, info: info})
	}

	if len(checked) == 1 && !checked[0].info.IsDir() {
		return b.buildSingle(ctx, checked[0], o.target)
	}
	return b.buildMulti(ctx, checked, o.target)
}

// buildSingle упаковывает один обычный файл под его собственным именем.
func (b *Builder) buildSingle(ctx context.Context, in input, target string) (string, error) {
	if !in.info.Mode().IsRegular() {
		return "", buildErr(KindNoValidInput, nil, "не обычный файл: %s", in.path)
	}
	if in.info.Size() == 0 {
		b.logger.Error("Пустой файл не может быть объектом данных",
			slog.String("path", in.path),
		)
		return "", buildErr(KindNoValidInput, nil, "пустой файл: %s", in.path)
	}
	if err := ctx.Err(); err != nil {
		return "", buildErr(KindIOFailure, err, "сборка прервана")
	}

	name := filepath.Base(in.path)
	w, err := b.createTarget(name, target)
	if err != nil {
		return "", err
	}
	return b.finish(w, name, in.path)
}

// buildMulti собирает промежуточный dataobject.zip и упаковывает его.
func (b *Builder) buildMulti(ctx context.Context, inputs []input, target string) (string, error) {
	scratch, err := os.MkdirTemp(b.scratchDir, "timebags-build-*")
	if err != nil {
		return "", buildErr(KindIOFailure, err, "ошибка создания временного каталога")
	}
	defer os.RemoveAll(scratch)

	dataObject := filepath.Join(scratch, model.DataObjectArchive)
	if err := b.buildDataObject(ctx, dataObject, inputs); err != nil {
		return "", err
	}

	w, err := b.createTarget(defaultPrefix, target)
	if err != nil {
		return "", err
	}
	return b.finish(w, model.DataObjectArchive, dataObject)
}

// buildDataObject собирает dataobject.zip из всех входов.
// Пустые и необычные файлы пропускаются с предупреждением;
// если пропущено всё — NoValidInput.
func (b *Builder) buildDataObject(ctx context.Context, path string, inputs []input) error {
	w, err := archive.Create(path)
	if err != nil {
		return buildErr(KindIOFailure, err, "ошибка создания %s", model.DataObjectArchive)
	}

	added := 0
	seen := make(map[string]bool)

	add := func(name, src string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return buildErr(KindIOFailure, err, "сборка прервана")
		}
		switch {
		case !info.Mode().IsRegular():
			b.logger.Warn("Пропущен необычный файл", slog.String("path", src))
			return nil
		case info.Size() == 0:
			b.logger.Warn("Пропущен пустой файл", slog.String("path", src))
			return nil
		case seen[name]:
			b.logger.Warn("Пропущен файл с повторяющимся именем",
				slog.String("path", src),
				slog.String("name", name),
			)
			return nil
		}
		if _, err := w.AddFile(name, src); err != nil {
			return buildErr(KindIOFailure, err, "ошибка упаковки %s", src)
		}
		seen[name] = true
		added++
		b.logger.Debug("Файл упакован", slog.String("path", src), slog.String("name", name))
		return nil
	}

	for _, in := range inputs {
		if !in.info.IsDir() {
			if err := add(filepath.Base(in.path), in.path, in.info); err != nil {
				w.Abort()
				return err
			}
			continue
		}

		root := filepath.Clean(in.path)
		base := filepath.Base(root)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return buildErr(KindIOFailure, walkErr, "ошибка обхода %s", p)
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return buildErr(KindIOFailure, err, "ошибка пути %s", p)
			}
			// Lstat: символические ссылки считаются необычными файлами
			info, err := os.Lstat(p)
			if err != nil {
				return buildErr(KindIOFailure, err, "ошибка stat %s", p)
			}
			return add(filepath.ToSlash(filepath.Join(base, rel)), p, info)
		})
		if err != nil {
			w.Abort()
			var be *BuildError
			if errors.As(err, &be) {
				return be
			}
			return buildErr(KindIOFailure, err, "ошибка обхода %s", in.path)
		}
	}

	if added == 0 {
		w.Abort()
		b.logger.Error("Не найдено ни одного пригодного файла, упаковка отменена")
		return buildErr(KindNoValidInput, nil, "нет пригодных файлов")
	}

	if err := w.Close(); err != nil {
		return buildErr(KindIOFailure, err, "ошибка завершения %s", model.DataObjectArchive)
	}
	return nil
}

// createTarget эксклюзивно создаёт файл нового контейнера.
// Без явного target перебирает <prefix>.zip, <prefix>_1.zip, ...
// Исчерпание суффиксов или гонка с другим писателем даёт Collision.
func (b *Builder) createTarget(prefix, target string) (*archive.Writer, error) {
	if target != "" {
		w, err := archive.Create(target)
		if errors.Is(err, archive.ErrExists) {
			return nil, buildErr(KindCollision, err, "файл уже существует: %s", target)
		}
		if err != nil {
			return nil, buildErr(KindIOFailure, err, "ошибка создания %s", target)
		}
		return w, nil
	}

	for n := 0; n <= b.maxSuffix; n++ {
		name := prefix + ".zip"
		if n > 0 {
			name = prefix + "_" + strconv.Itoa(n) + ".zip"
		}
		w, err := archive.Create(filepath.Join(b.outDir, name))
		if errors.Is(err, archive.ErrExists) {
			continue
		}
		if err != nil {
			return nil, buildErr(KindIOFailure, err, "ошибка создания %s", name)
		}
		return w, nil
	}
	return nil, buildErr(KindCollision, nil,
		"свободное имя для %s.zip не найдено (суффиксы до _%d заняты)", prefix, b.maxSuffix)
}

// finish записывает mimetype, объект данных и комментарий, закрывает архив.
func (b *Builder) finish(w *archive.Writer, name, src string) (string, error) {
	if err := w.AddBytes(model.MimetypeEntry, []byte(model.Mimetype), true); err != nil {
		w.Abort()
		return "", buildErr(KindIOFailure, err, "ошибка записи mimetype")
	}
	if _, err := w.AddFile(name, src); err != nil {
		w.Abort()
		return "", buildErr(KindIOFailure, err, "ошибка упаковки %s", src)
	}
	if err := w.SetComment(model.ArchiveComment); err != nil {
		w.Abort()
		return "", buildErr(KindIOFailure, err, "ошибка записи комментария")
	}
	if err := w.Close(); err != nil {
		return "", buildErr(KindIOFailure, err, "ошибка завершения контейнера")
	}

	b.logger.Info("Создан ASiC-S контейнер",
		slog.String("path", w.Path()),
		slog.String("data_object", name),
	)
	return w.Path(), nil
}
