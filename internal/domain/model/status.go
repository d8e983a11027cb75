package model

import (
	"sort"
	"time"

	"github.com/TimeBags/timebags/internal/domain/phase"
)

// AttestationKind — вид OpenTimestamps аттестации.
type AttestationKind string

const (
	// AttestationPending — аттестация календаря, ожидающая включения в блок
	AttestationPending AttestationKind = "pending"
	// AttestationBitcoin — аттестация заголовка блока Bitcoin
	AttestationBitcoin AttestationKind = "bitcoin"
)

// Confirmation — подтверждение блоком Bitcoin: высота и merkle root.
type Confirmation struct {
	Height     uint64 `json:"height"`
	MerkleRoot string `json:"merkle_root"`
}

// DataTimestamp — сведения о RFC 3161 токене объекта данных.
type DataTimestamp struct {
	// IssuedAt — время, заявленное TSA
	IssuedAt time.Time `json:"issued_at"`
	// Authority — идентификатор выдавшей токен TSA
	Authority string `json:"authority"`
	// Verified — подпись токена проверена по встроенным/настроенным сертификатам
	Verified bool `json:"verified"`
}

// Attestation — сведения об одной OpenTimestamps аттестации.
type Attestation struct {
	// Kind — pending или bitcoin
	Kind AttestationKind `json:"kind"`
	// Confirmations — подтверждения блоками (пусто для pending)
	Confirmations []Confirmation `json:"confirmations,omitempty"`
	// Verified — дайджест в аттестации совпадает с содержимым архива
	Verified bool `json:"verified"`
}

// Height возвращает минимальную высоту подтверждающего блока (0 для pending).
func (a *Attestation) Height() uint64 {
	var h uint64
	for _, c := range a.Confirmations {
		if h == 0 || c.Height < h {
			h = c.Height
		}
	}
	return h
}

// CompletionStatus — прогресс завершения контейнера. Живёт в памяти
// в рамках одного прохода и заново выводится из содержимого архива.
type CompletionStatus struct {
	Path                  string
	Phase                 phase.Phase
	DataTimestamp         *DataTimestamp
	DataObjectAttestation *Attestation
	TokenAttestation      *Attestation
}

// Status — снимок статуса, возвращаемый вызывающему коду (CLI, API).
type Status struct {
	// Result — фаза контейнера
	Result phase.Phase `json:"result"`
	// AsicStatus — человекочитаемый результат валидации
	AsicStatus string `json:"asic_status"`
	// Path — путь к контейнеру (может отличаться от входного после упаковки)
	Path string `json:"path"`
	// DataTimestamp — RFC 3161 токен (если есть)
	DataTimestamp *DataTimestamp `json:"data_timestamp,omitempty"`
	// DataObjectAttestation — аттестация объекта данных (если есть)
	DataObjectAttestation *Attestation `json:"data_object_attestation,omitempty"`
	// TokenAttestation — аттестация токена (если есть)
	TokenAttestation *Attestation `json:"token_attestation,omitempty"`
	// Blocks — отсортированные высоты блоков Bitcoin по обеим аттестациям
	Blocks []uint64 `json:"blocks,omitempty"`
	// CheckedAt — момент вывода статуса (UTC)
	CheckedAt time.Time `json:"checked_at"`
}

// NewStatus собирает снимок статуса из прогресса и результата валидации.
func NewStatus(cs *CompletionStatus, v ValidationResult) *Status {
	st := &Status{
		Result:                cs.Phase,
		AsicStatus:            v.Describe(),
		Path:                  cs.Path,
		DataTimestamp:         cs.DataTimestamp,
		DataObjectAttestation: cs.DataObjectAttestation,
		TokenAttestation:      cs.TokenAttestation,
		CheckedAt:             time.Now().UTC(),
	}

	seen := make(map[uint64]bool)
	for _, att := range []*Attestation{cs.DataObjectAttestation, cs.TokenAttestation} {
		if att == nil {
			continue
		}
		for _, c := range att.Confirmations {
			if !seen[c.Height] {
				seen[c.Height] = true
				st.Blocks = append(st.Blocks, c.Height)
			}
		}
	}
	sort.Slice(st.Blocks, func(i, j int) bool { return st.Blocks[i] < st.Blocks[j] })

	return st
}
