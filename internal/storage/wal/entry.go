// Пакет wal — журнал замен файлов через временный файл.
//
// Перезапись архива и приём загрузки сначала регистрируются здесь
// вместе с путём временного файла, затем выполняется rename, затем
// запись закрывается. Запись, оставшаяся pending после сбоя, указывает
// на временный файл, который Recover удаляет. Одна транзакция — один
// файл {id}.wal.json.
package wal

import "time"

// Kind — вид замены.
type Kind string

const (
	// KindRewrite — перезапись архива (archive.Commit)
	KindRewrite Kind = "container_rewrite"
	// KindUpload — загрузка во входящий каталог
	KindUpload Kind = "inbox_upload"
)

// State — состояние транзакции.
type State string

const (
	StatePending    State = "pending"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// Entry — запись журнала.
type Entry struct {
	ID     string `json:"transaction_id"`
	Kind   Kind   `json:"operation"`
	State  State  `json:"status"`
	Target string `json:"target"`
	// Temp существует, пока State == pending
	Temp     string     `json:"temp_path"`
	Started  time.Time  `json:"started_at"`
	Finished *time.Time `json:"completed_at,omitempty"`
}

const entrySuffix = ".wal.json"
