package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrExists — целевой файл уже существует (создание с O_EXCL).
var ErrExists = errors.New("файл уже существует")

// Writer — потоковое создание нового архива.
// Файл создаётся эксклюзивно: существующий файл никогда не перезаписывается.
// Abort закрывает и удаляет частично записанный архив.
type Writer struct {
	path   string
	file   *os.File
	zw     *zip.Writer
	closed bool
}

// Create эксклюзивно создаёт новый архив.
// Возвращает ошибку, оборачивающую ErrExists, если путь занят.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("ошибка создания архива %s: %w", path, err)
	}
	return &Writer{path: path, file: f, zw: zip.NewWriter(f)}, nil
}

// Path возвращает путь к создаваемому архиву.
func (w *Writer) Path() string {
	return w.path
}

// AddBytes добавляет элемент из памяти. store=true — без сжатия.
func (w *Writer) AddBytes(name string, data []byte, store bool) error {
	method := zip.Deflate
	if store {
		method = zip.Store
	}
	return writeEntry(w.zw, name, data, method)
}

// AddFile добавляет содержимое файла src под именем name.
// Возвращает число записанных байт.
func (w *Writer) AddFile(name, src string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("ошибка stat %s: %w", src, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return 0, fmt.Errorf("ошибка заголовка %s: %w", src, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	if hdr.Modified.IsZero() {
		hdr.Modified = time.Now()
	}

	ew, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания элемента %s: %w", name, err)
	}
	n, err := io.Copy(ew, f)
	if err != nil {
		return n, fmt.Errorf("ошибка записи элемента %s: %w", name, err)
	}
	return n, nil
}

// SetComment задаёт комментарий архива.
func (w *Writer) SetComment(comment string) error {
	return w.zw.SetComment(comment)
}

// Close завершает архив: центральный каталог, fsync, закрытие файла.
// При ошибке частичный файл удаляется.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.zw.Close(); err != nil {
		w.file.Close()
		os.Remove(w.path)
		return fmt.Errorf("ошибка завершения архива %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.path)
		return fmt.Errorf("ошибка fsync %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.path)
		return fmt.Errorf("ошибка закрытия %s: %w", w.path, err)
	}
	return nil
}

// Abort прерывает создание и удаляет частичный архив.
// Безопасно вызывать после Close (ничего не делает).
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
	os.Remove(w.path)
}
