// Пакет filestore — входящий каталог загрузок API.
//
// Тело запроса сохраняется сюда целиком с подсчётом SHA-256 на лету,
// затем упаковывается в контейнер и удаляется. Каждая загрузка лежит
// в своём подкаталоге, поэтому базовое имя файла совпадает с исходным
// и попадает в контейнер без изменений.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Journal регистрирует временный файл загрузки до rename.
type Journal interface {
	BeginUpload(target, tempPath string) (string, error)
	Commit(txID string) error
	Rollback(txID string) error
}

// Inbox — входящий каталог.
type Inbox struct {
	dir     string
	journal Journal
}

// Upload — сохранённая загрузка.
type Upload struct {
	// StoragePath — путь относительно каталога: <подкаталог>/<имя>
	StoragePath string
	FullPath    string
	Size        int64
	// Checksum — SHA-256 в hex
	Checksum string
}

// New открывает входящий каталог, создавая его при необходимости.
func New(dir string) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("входящий каталог %s: %w", dir, err)
	}
	return &Inbox{dir: dir}, nil
}

// SetJournal подключает журнал замен.
func (in *Inbox) SetJournal(j Journal) {
	in.journal = j
}

// Save сохраняет поток в <user>_<время>_<id>/<имя>. Пустой поток
// допустим: что с ним делать, решает упаковщик. При ошибке
// подкаталог удаляется.
func (in *Inbox) Save(r io.Reader, filename, uploadedBy string) (_ *Upload, err error) {
	sub := uploadDir(uploadedBy, time.Now())
	if err := os.Mkdir(filepath.Join(in.dir, sub), 0o750); err != nil {
		return nil, fmt.Errorf("каталог загрузки: %w", err)
	}

	rel := filepath.Join(sub, safeFilename(filename))
	full := filepath.Join(in.dir, rel)
	tmp := full + ".tmp"

	var txID string
	defer func() {
		if err == nil {
			return
		}
		_ = os.RemoveAll(filepath.Join(in.dir, sub))
		if txID != "" {
			_ = in.journal.Rollback(txID)
		}
	}()
	if in.journal != nil {
		if txID, err = in.journal.BeginUpload(full, tmp); err != nil {
			return nil, fmt.Errorf("регистрация загрузки: %w", err)
		}
	}

	size, sum, err := writeHashed(tmp, r)
	if err != nil {
		return nil, err
	}
	if err = os.Rename(tmp, full); err != nil {
		return nil, fmt.Errorf("переименование загрузки: %w", err)
	}
	if txID != "" {
		if err = in.journal.Commit(txID); err != nil {
			return nil, fmt.Errorf("фиксация загрузки: %w", err)
		}
	}

	return &Upload{StoragePath: rel, FullPath: full, Size: size, Checksum: sum}, nil
}

func writeHashed(path string, r io.Reader) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("создание %s: %w", path, err)
	}
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", fmt.Errorf("запись загрузки: %w", err)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// Remove удаляет загрузку вместе с подкаталогом. Отсутствие не ошибка.
func (in *Inbox) Remove(storagePath string) error {
	target := storagePath
	if d := filepath.Dir(storagePath); d != "." {
		target = d
	}
	if err := os.RemoveAll(filepath.Join(in.dir, target)); err != nil {
		return fmt.Errorf("удаление загрузки %s: %w", storagePath, err)
	}
	return nil
}

// Exists сообщает, лежит ли загрузка на диске.
func (in *Inbox) Exists(storagePath string) bool {
	_, err := os.Stat(filepath.Join(in.dir, storagePath))
	return err == nil
}

// Sweep удаляет подкаталоги загрузок старше maxAge: остатки запросов,
// прерванных до упаковки. Возвращает число удалённых и первую ошибку
// удаления; остальные подкаталоги обрабатываются.
func (in *Inbox) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, fmt.Errorf("чтение входящего каталога: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(in.dir, e.Name())); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("удаление %s: %w", e.Name(), err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// uploadDir: admin_20260221150405_a1b2c3d4.
func uploadDir(uploadedBy string, now time.Time) string {
	user := cut(clean(uploadedBy), 20)
	if user == "" {
		user = "anonymous"
	}
	return user + "_" + now.UTC().Format("20060102150405") + "_" + uuid.NewString()[:8]
}

// safeFilename оставляет базовое имя без путей и служебных символов,
// сохраняя расширение.
func safeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := filepath.Ext(base)
	stem := cut(clean(strings.TrimSuffix(base, ext)), 100)
	if stem == "" {
		stem = "file"
	}
	if ext = clean(ext); ext == "" {
		return stem
	}
	return stem + "." + ext
}

// clean оставляет буквы латиницы и кириллицы, цифры, '-', '_' и '.',
// без точек по краям.
func clean(s string) string {
	kept := strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)),
			r == '-', r == '_', r == '.',
			unicode.Is(unicode.Cyrillic, r):
			return r
		}
		return -1
	}, s)
	return strings.Trim(kept, ".")
}

func cut(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
