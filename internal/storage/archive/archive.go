// Пакет archive — тонкая обёртка над archive/zip для работы с контейнерами.
//
// Чтение выполняется напрямую из файла. Запись буферизуется в памяти
// и применяется только через Commit: новый архив целиком собирается
// во временном файле рядом с оригиналом, затем fsync и атомарный rename.
// Оригинал никогда не изменяется на месте; при любой ошибке временный
// файл удаляется.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrNotAnArchive — путь не является читаемым ZIP-архивом.
var ErrNotAnArchive = errors.New("не является ZIP-архивом")

// ErrEntryNotFound — элемент отсутствует в архиве.
var ErrEntryNotFound = errors.New("элемент архива не найден")

// IntegrityError — результат проверки целостности: повреждённый элемент.
type IntegrityError struct {
	Entry string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("повреждён элемент %q: %v", e.Entry, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Journal — журнал перезаписи архивов (см. пакет wal).
// Begin вызывается до записи временного файла, Commit/Rollback — после.
type Journal interface {
	Begin(container, tempPath string) (string, error)
	Commit(txID string) error
	Rollback(txID string) error
}

// Option — функциональная опция Open.
type Option func(*Archive)

// WithJournal подключает журнал перезаписи.
func WithJournal(j Journal) Option {
	return func(a *Archive) {
		a.journal = j
	}
}

// Archive — открытый ZIP-архив с буферизованной записью.
// Не потокобезопасен: один архив обрабатывается одной операцией.
type Archive struct {
	path    string
	file    *os.File
	reader  *zip.Reader
	entries map[string]*zip.File

	// pending — буферизованные записи, применяются в Commit
	pending      map[string][]byte
	pendingOrder []string
	comment      *string

	journal Journal
}

// Open открывает архив для чтения и буферизованной записи.
// Возвращает ошибку, оборачивающую ErrNotAnArchive, если файл
// отсутствует, не читается или не является ZIP.
func Open(path string, opts ...Option) (*Archive, error) {
	a := &Archive{path: path}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	a.reset()
	return a, nil
}

// load открывает файл и читает центральный каталог.
func (a *Archive) load() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotAnArchive, a.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %v", ErrNotAnArchive, a.path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return fmt.Errorf("%w: %s: не обычный файл", ErrNotAnArchive, a.path)
	}

	zr, err := zip.NewReader(f, info.Size())
	// ErrInsecurePath возвращается вместе с валидным reader
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		f.Close()
		return fmt.Errorf("%w: %s: %v", ErrNotAnArchive, a.path, err)
	}

	a.file = f
	a.reader = zr
	a.entries = make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		// При дублях имён побеждает первый элемент, как при чтении по имени
		if _, dup := a.entries[zf.Name]; !dup {
			a.entries[zf.Name] = zf
		}
	}
	return nil
}

// reset очищает буфер записей.
func (a *Archive) reset() {
	a.pending = make(map[string][]byte)
	a.pendingOrder = nil
	a.comment = nil
}

// Path возвращает путь к архиву.
func (a *Archive) Path() string {
	return a.path
}

// Names возвращает имена элементов в порядке центрального каталога,
// затем новые буферизованные элементы в порядке добавления.
func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.reader.File)+len(a.pendingOrder))
	for _, zf := range a.reader.File {
		names = append(names, zf.Name)
	}
	for _, name := range a.pendingOrder {
		if _, ok := a.entries[name]; !ok {
			names = append(names, name)
		}
	}
	return names
}

// Has проверяет наличие элемента (с учётом буфера).
func (a *Archive) Has(name string) bool {
	if _, ok := a.pending[name]; ok {
		return true
	}
	_, ok := a.entries[name]
	return ok
}

// Size возвращает несжатый размер элемента.
func (a *Archive) Size(name string) (int64, error) {
	if data, ok := a.pending[name]; ok {
		return int64(len(data)), nil
	}
	zf, ok := a.entries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return int64(zf.UncompressedSize64), nil //nolint:gosec // размеры ZIP64 укладываются в int64
}

// Reader открывает элемент для потокового чтения.
// Вызывающий код обязан закрыть ReadCloser.
func (a *Archive) Reader(name string) (io.ReadCloser, error) {
	if data, ok := a.pending[name]; ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	zf, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия элемента %s: %w", name, err)
	}
	return rc, nil
}

// Read читает элемент целиком.
func (a *Archive) Read(name string) ([]byte, error) {
	rc, err := a.Reader(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения элемента %s: %w", name, err)
	}
	return data, nil
}

// Check выполняет проверку целостности: читает все элементы до конца,
// что заставляет archive/zip сверить CRC-32. Возвращает *IntegrityError
// для первого повреждённого элемента или nil. Не паникует.
func (a *Archive) Check() error {
	for _, zf := range a.reader.File {
		if err := checkEntry(zf); err != nil {
			return &IntegrityError{Entry: zf.Name, Err: err}
		}
	}
	return nil
}

// checkEntry читает элемент до конца, отбрасывая данные.
func checkEntry(zf *zip.File) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника при чтении: %v", r)
		}
	}()

	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(io.Discard, rc)
	return err
}

// Comment возвращает комментарий архива (с учётом буфера).
func (a *Archive) Comment() string {
	if a.comment != nil {
		return *a.comment
	}
	return a.reader.Comment
}

// SetComment буферизует новый комментарий архива.
func (a *Archive) SetComment(comment string) {
	a.comment = &comment
}

// Put буферизует запись или замену элемента.
func (a *Archive) Put(name string, data []byte) {
	if _, ok := a.pending[name]; !ok {
		a.pendingOrder = append(a.pendingOrder, name)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	a.pending[name] = buf
}

// Dirty возвращает true, если есть несохранённые изменения.
func (a *Archive) Dirty() bool {
	return len(a.pending) > 0 || (a.comment != nil && *a.comment != a.reader.Comment)
}

// Commit применяет буферизованные изменения: собирает новый архив
// во временном файле, fsync, атомарный rename поверх оригинала.
// При ошибке оригинал не изменяется, временный файл удаляется.
// После успешного Commit архив переоткрывается и остаётся пригодным.
func (a *Archive) Commit() (err error) {
	if !a.Dirty() {
		return nil
	}

	info, err := a.file.Stat()
	if err != nil {
		return fmt.Errorf("ошибка stat %s: %w", a.path, err)
	}

	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(a.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := tmp.Name()

	var txID string
	if a.journal != nil {
		txID, err = a.journal.Begin(a.path, tmpPath)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("ошибка журнала перезаписи: %w", err)
		}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		tmp.Close()
		os.Remove(tmpPath)
		if a.journal != nil {
			_ = a.journal.Rollback(txID)
		}
	}()

	if err := a.writeTo(tmp); err != nil {
		return err
	}

	// fsync для гарантии записи на диск
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия временного файла: %w", err)
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("ошибка chmod: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, a.path); err != nil {
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	committed = true

	if a.journal != nil {
		if jErr := a.journal.Commit(txID); jErr != nil {
			return fmt.Errorf("архив записан, но журнал не обновлён: %w", jErr)
		}
	}

	// Переоткрываем новый архив
	a.file.Close()
	if err := a.load(); err != nil {
		return fmt.Errorf("ошибка переоткрытия %s: %w", a.path, err)
	}
	a.reset()
	return nil
}

// writeTo записывает итоговый архив: mimetype первым (без сжатия),
// затем существующие элементы в исходном порядке (с заменами из буфера),
// затем новые элементы в порядке добавления.
func (a *Archive) writeTo(w io.Writer) error {
	zw := zip.NewWriter(w)
	written := make(map[string]bool)

	if a.Has(mimetypeEntry) {
		data, err := a.Read(mimetypeEntry)
		if err != nil {
			return err
		}
		if err := writeEntry(zw, mimetypeEntry, data, zip.Store); err != nil {
			return err
		}
		written[mimetypeEntry] = true
	}

	for _, zf := range a.reader.File {
		if written[zf.Name] {
			continue
		}
		written[zf.Name] = true

		if data, ok := a.pending[zf.Name]; ok {
			if err := writeEntry(zw, zf.Name, data, zip.Deflate); err != nil {
				return err
			}
			continue
		}
		// Неизменённые элементы копируются без перепаковки
		if err := zw.Copy(zf); err != nil {
			return fmt.Errorf("ошибка копирования элемента %s: %w", zf.Name, err)
		}
	}

	for _, name := range a.pendingOrder {
		if written[name] {
			continue
		}
		written[name] = true
		if err := writeEntry(zw, name, a.pending[name], zip.Deflate); err != nil {
			return err
		}
	}

	if err := zw.SetComment(a.Comment()); err != nil {
		return fmt.Errorf("ошибка записи комментария: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("ошибка завершения архива: %w", err)
	}
	return nil
}

// writeEntry записывает один элемент с указанным методом сжатия.
func writeEntry(zw *zip.Writer, name string, data []byte, method uint16) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: time.Now(),
	}
	ew, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("ошибка создания элемента %s: %w", name, err)
	}
	if _, err := ew.Write(data); err != nil {
		return fmt.Errorf("ошибка записи элемента %s: %w", name, err)
	}
	return nil
}

// Close закрывает архив. Несохранённые изменения отбрасываются.
func (a *Archive) Close() error {
	a.reset()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// mimetypeEntry дублирует model.MimetypeEntry: пакет хранения
// не зависит от доменной модели.
const mimetypeEntry = "mimetype"
