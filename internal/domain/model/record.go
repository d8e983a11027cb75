package model

import (
	"time"

	"github.com/TimeBags/timebags/internal/domain/phase"
)

// ContainerRecord — запись реестра контейнеров сервиса.
// Хранится рядом с архивом в <name>.attr.json. Фаза в записи —
// последняя наблюдавшаяся, источником истины остаётся сам архив.
type ContainerRecord struct {
	// Name — имя файла контейнера в каталоге данных
	Name string `json:"name"`
	// OriginalName — имя загруженного файла (для контейнеров из API)
	OriginalName string `json:"original_name,omitempty"`
	// CreatedBy — субъект JWT или "cli"
	CreatedBy string `json:"created_by,omitempty"`
	// CreatedAt — момент регистрации (UTC)
	CreatedAt time.Time `json:"created_at"`
	// Size — размер архива в байтах на момент последнего прохода
	Size int64 `json:"size"`
	// Checksum — SHA-256 архива на момент последнего прохода
	Checksum string `json:"checksum,omitempty"`
	// Phase — последняя наблюдавшаяся фаза
	Phase phase.Phase `json:"phase"`
	// LastStepAt — момент последнего шага завершения
	LastStepAt *time.Time `json:"last_step_at,omitempty"`
	// LastError — ошибка последнего шага (пусто при успехе)
	LastError string `json:"last_error,omitempty"`
}
