// Пакет asic — классификация архивов и сборка ASiC-S контейнеров.
//
// Validate — чистая функция от текущих байтов архива: результат
// вычисляется заново при каждом вызове и нигде не кэшируется.
// Builder упаковывает произвольный ввод в новый корректный контейнер.
package asic

import (
	"strings"

	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/storage/archive"
)

// Validate открывает архив по пути и классифицирует его.
func Validate(path string) model.ValidationResult {
	a, err := archive.Open(path)
	if err != nil {
		return model.ValidationResult{Path: path, Kind: model.KindNotAZip}
	}
	defer a.Close()

	return Inspect(a)
}

// Inspect классифицирует уже открытый архив.
// Буферизованные, но не записанные изменения учитываются только
// при перечислении элементов; проверка целостности читает файл.
func Inspect(a *archive.Archive) model.ValidationResult {
	res := model.ValidationResult{Path: a.Path()}

	// Повреждённый архив не чинится: он станет объектом данных нового контейнера
	if err := a.Check(); err != nil {
		res.Kind = model.KindCorrupted
		return res
	}

	var (
		declared    string
		hasMimetype bool
		candidate   string
		candSize    int64
		haveCand    bool
	)

	for _, name := range a.Names() {
		switch {
		case name == model.MimetypeEntry:
			data, err := a.Read(name)
			if err != nil {
				res.Kind = model.KindCorrupted
				return res
			}
			declared = strings.TrimRight(string(data), "\r\n")
			hasMimetype = true
			continue
		case model.IsMetaInf(name):
			continue
		}

		res.ObjectCount++
		if res.ObjectCount == 1 && model.IsRootLevel(name) {
			size, err := a.Size(name)
			if err != nil {
				res.Kind = model.KindCorrupted
				return res
			}
			candidate, candSize, haveCand = name, size, true
			continue
		}
		// Второй объект данных снимает кандидата
		candidate, candSize, haveCand = "", 0, false
	}

	if hasMimetype {
		res.Mimetype = declared
	}

	switch {
	case res.ObjectCount != 1 || !haveCand:
		res.Kind = model.KindNeedsEncapsulation
		res.Reason = model.ReasonWrongObjectCount
	case candSize == 0:
		res.Kind = model.KindNeedsEncapsulation
		res.Reason = model.ReasonEmptyDataObject
	case hasMimetype && declared != model.Mimetype:
		res.Kind = model.KindNeedsEncapsulation
		res.Reason = model.ReasonForeignMimetype
	default:
		res.Kind = model.KindValid
		res.DataObject = candidate
		res.DataObjectSize = candSize
	}
	return res
}
