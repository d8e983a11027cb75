// Пакет model — доменные модели TimeBags.
// Описывает раскладку ASiC-S контейнера, результат валидации
// и снимок статуса завершения, возвращаемый CLI и API.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Константы формата ASiC-S (ETSI TS 102 918).
const (
	// Mimetype — содержимое элемента mimetype
	Mimetype = "application/vnd.etsi.asic-s+zip"
	// MimetypeEntry — имя элемента с объявленным mimetype
	MimetypeEntry = "mimetype"
	// MetaInfPrefix — пространство имён метаданных контейнера
	MetaInfPrefix = "META-INF/"
	// TimestampEntry — RFC 3161 токен над байтами объекта данных
	TimestampEntry = MetaInfPrefix + "timestamp.tst"
	// TimestampAttestationEntry — OpenTimestamps аттестация над байтами timestamp.tst
	TimestampAttestationEntry = TimestampEntry + ".ots"
	// ArchiveComment — комментарий архива, дублирующий mimetype
	ArchiveComment = "mimetype=" + Mimetype
	// DataObjectArchive — имя промежуточного архива при упаковке нескольких входов
	DataObjectArchive = "dataobject.zip"
)

// DataObjectAttestationEntry возвращает имя элемента с OpenTimestamps
// аттестацией объекта данных: META-INF/<dataObject>.ots.
func DataObjectAttestationEntry(dataObject string) string {
	return MetaInfPrefix + dataObject + ".ots"
}

// IsMetaInf проверяет, относится ли элемент к пространству META-INF/.
func IsMetaInf(name string) bool {
	return strings.HasPrefix(name, MetaInfPrefix)
}

// IsRootLevel проверяет, что элемент лежит в корне архива.
func IsRootLevel(name string) bool {
	return !strings.Contains(name, "/")
}

// ValidationKind — класс результата валидации архива.
type ValidationKind string

const (
	// KindNotAZip — файл не является ZIP-архивом
	KindNotAZip ValidationKind = "not-a-zip"
	// KindCorrupted — проверка целостности архива не пройдена
	KindCorrupted ValidationKind = "corrupted"
	// KindNeedsEncapsulation — архив нужно упаковать как объект данных нового контейнера
	KindNeedsEncapsulation ValidationKind = "needs-encapsulation"
	// KindValid — архив является корректным ASiC-S контейнером
	KindValid ValidationKind = "valid"
)

// Причины упаковки (needs-encapsulation).
const (
	ReasonWrongObjectCount = "wrong object count"
	ReasonEmptyDataObject  = "empty data object"
	ReasonForeignMimetype  = "foreign mimetype"
)

// ValidationResult — результат валидации. Вычисляется заново при каждом
// проходе и никогда не кэшируется между изменениями архива.
type ValidationResult struct {
	// Path — путь к проверенному архиву
	Path string `json:"path"`
	// Kind — класс результата
	Kind ValidationKind `json:"kind"`
	// Reason — причина упаковки (только для needs-encapsulation)
	Reason string `json:"reason,omitempty"`
	// ObjectCount — число объектов данных вне META-INF/
	ObjectCount int `json:"object_count"`
	// DataObject — имя объекта данных (только для valid)
	DataObject string `json:"data_object,omitempty"`
	// DataObjectSize — размер объекта данных в байтах (только для valid)
	DataObjectSize int64 `json:"data_object_size,omitempty"`
	// Mimetype — объявленный mimetype (пусто, если элемента нет)
	Mimetype string `json:"mimetype,omitempty"`
}

// IsValid возвращает true для корректного ASiC-S контейнера.
func (r ValidationResult) IsValid() bool {
	return r.Kind == KindValid
}

// Describe возвращает человекочитаемое описание результата
// (поле asic_status в снимке статуса).
func (r ValidationResult) Describe() string {
	name := filepath.Base(r.Path)
	switch r.Kind {
	case KindNotAZip:
		return fmt.Sprintf("%s не является ZIP-архивом", name)
	case KindCorrupted:
		return fmt.Sprintf("%s — повреждённый ZIP-архив", name)
	case KindNeedsEncapsulation:
		switch r.Reason {
		case ReasonEmptyDataObject:
			return fmt.Sprintf("%s не является ASiC-S: пустой объект данных", name)
		case ReasonForeignMimetype:
			return fmt.Sprintf("%s не является ASiC-S: чужой mimetype %q", name, r.Mimetype)
		default:
			return fmt.Sprintf("%s не является ASiC-S: объектов данных %d", name, r.ObjectCount)
		}
	case KindValid:
		return fmt.Sprintf("%s — корректный ASiC-S контейнер", name)
	default:
		return fmt.Sprintf("%s: неизвестный результат валидации", name)
	}
}
