// Пакет phase — конечный автомат фаз завершения ASiC-S контейнера.
//
// Жизненный цикл: UNKNOWN → INCOMPLETE → PENDING → UPGRADED.
// UPGRADED — конечная фаза, обратные переходы запрещены.
//
// Фаза никогда не хранится как источник истины: она выводится
// функцией Derive из содержимого архива при каждом проходе.
// Tracker лишь фиксирует наблюдаемые переходы и отклоняет регрессию.
//
// Потокобезопасен через sync.RWMutex.
package phase

import (
	"fmt"
	"sync"
	"time"
)

// Phase — фаза завершения контейнера.
type Phase string

const (
	// Unknown — архив не является валидным ASiC-S контейнером
	Unknown Phase = "UNKNOWN"
	// Incomplete — отсутствует хотя бы один артефакт (tst, .ots данных, .ots токена)
	Incomplete Phase = "INCOMPLETE"
	// Pending — все артефакты на месте, но хотя бы одна аттестация не подтверждена
	Pending Phase = "PENDING"
	// Upgraded — обе аттестации подтверждены блоком Bitcoin
	Upgraded Phase = "UPGRADED"
)

// AttestationState — состояние одной OpenTimestamps аттестации в архиве.
type AttestationState int

const (
	// AttestationMissing — файл .ots отсутствует
	AttestationMissing AttestationState = iota
	// AttestationPending — есть только pending-аттестации календарей
	AttestationPending
	// AttestationConfirmed — есть аттестация заголовка блока Bitcoin
	AttestationConfirmed
)

// Evidence — набор фактов об архиве, из которых выводится фаза.
type Evidence struct {
	// Valid — архив прошёл валидацию ASiC-S
	Valid bool
	// Token — присутствует META-INF/timestamp.tst
	Token bool
	// DataObject — состояние аттестации объекта данных
	DataObject AttestationState
	// TokenAttestation — состояние аттестации токена
	TokenAttestation AttestationState
}

// Derive выводит фазу из наблюдаемых фактов. Чистая функция.
func Derive(e Evidence) Phase {
	if !e.Valid {
		return Unknown
	}
	if !e.Token || e.DataObject == AttestationMissing || e.TokenAttestation == AttestationMissing {
		return Incomplete
	}
	if e.DataObject == AttestationConfirmed && e.TokenAttestation == AttestationConfirmed {
		return Upgraded
	}
	return Pending
}

// validTransitions — матрица допустимых переходов.
// Ключ — текущая фаза, значение — набор допустимых целевых фаз.
// Переходы «через ступень» допустимы: внешний процесс мог
// дополнить архив между запусками.
var validTransitions = map[Phase]map[Phase]bool{
	Unknown:    {Incomplete: true, Pending: true, Upgraded: true},
	Incomplete: {Pending: true, Upgraded: true},
	Pending:    {Upgraded: true},
	Upgraded:   {}, // Конечная фаза
}

// TransitionRecord — запись о переходе между фазами.
type TransitionRecord struct {
	Path      string    `json:"path"`
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker — журнал наблюдаемых фаз контейнеров в рамках процесса.
// Ключ — путь к контейнеру.
type Tracker struct {
	mu      sync.RWMutex
	current map[string]Phase
	history []TransitionRecord
}

// NewTracker создаёт пустой журнал фаз.
func NewTracker() *Tracker {
	return &Tracker{
		current: make(map[string]Phase),
		history: make([]TransitionRecord, 0),
	}
}

// Current возвращает последнюю наблюдавшуюся фазу контейнера.
// Для неизвестного пути возвращает Unknown.
func (t *Tracker) Current(path string) Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.current[path]
	if !ok {
		return Unknown
	}
	return p
}

// CanTransition проверяет, допустим ли переход from → to.
// Переход в ту же фазу всегда допустим (повторный проход без изменений).
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Observe фиксирует выведенную фазу контейнера.
//
// Ошибки:
//   - INVALID_PHASE — неизвестное значение фазы
//   - PHASE_REGRESSION — фаза откатилась назад (архив изменён извне);
//     наблюдение всё равно фиксируется, так как содержимое архива
//     является единственным источником истины
func (t *Tracker) Observe(path string, to Phase) error {
	if !isValidPhase(to) {
		return &TransitionError{
			Code:    "INVALID_PHASE",
			Message: fmt.Sprintf("недопустимая фаза: %q", to),
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	from, known := t.current[path]
	if !known {
		from = Unknown
	}
	if known && from == to {
		return nil
	}

	t.current[path] = to
	t.history = append(t.history, TransitionRecord{
		Path:      path,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	})

	if !CanTransition(from, to) {
		return &TransitionError{
			Code:    "PHASE_REGRESSION",
			Message: fmt.Sprintf("фаза %s откатилась %s → %s", path, from, to),
		}
	}
	return nil
}

// Forget удаляет контейнер из журнала (контейнер удалён с диска).
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.current, path)
}

// History возвращает историю переходов (копия).
// Пустой path — история всех контейнеров.
func (t *Tracker) History(path string) []TransitionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]TransitionRecord, 0, len(t.history))
	for _, rec := range t.history {
		if path == "" || rec.Path == path {
			result = append(result, rec)
		}
	}
	return result
}

// Terminal возвращает true для конечной фазы.
func (p Phase) Terminal() bool {
	return p == Upgraded
}

// TransitionError — ошибка перехода между фазами.
type TransitionError struct {
	Code    string // Машиночитаемый код (INVALID_PHASE, PHASE_REGRESSION)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// isValidPhase проверяет, является ли значение допустимой фазой.
func isValidPhase(p Phase) bool {
	switch p {
	case Unknown, Incomplete, Pending, Upgraded:
		return true
	default:
		return false
	}
}

// Parse преобразует строку в Phase.
// Возвращает ошибку для недопустимых значений.
func Parse(s string) (Phase, error) {
	p := Phase(s)
	if !isValidPhase(p) {
		return "", fmt.Errorf("недопустимая фаза: %q, допустимые: UNKNOWN, INCOMPLETE, PENDING, UPGRADED", s)
	}
	return p, nil
}
