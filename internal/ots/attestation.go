package ots

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// tagLength — длина тега аттестации
	tagLength = 8
	// maxPayloadSize — предел размера полезной нагрузки аттестации
	maxPayloadSize = 8192
	// maxURILength — предел длины URI календаря
	maxURILength = 1000
)

var (
	tagPending = [tagLength]byte{0x83, 0xdf, 0xe3, 0x0d, 0x2e, 0xf9, 0x0c, 0x8e}
	tagBitcoin = [tagLength]byte{0x05, 0x88, 0x96, 0x0d, 0x73, 0xd7, 0x19, 0x01}
)

// Attestation — утверждение о времени существования сообщения.
// Pending — календарь обещал включить сообщение в блок; Bitcoin —
// сообщение является merkle root блока Height. Неизвестные теги
// сохраняются как есть.
type Attestation struct {
	Tag     [tagLength]byte
	URI     string
	Height  uint64
	payload []byte
}

// PendingAttestation создаёт ожидающую аттестацию календаря uri.
func PendingAttestation(uri string) Attestation {
	return Attestation{Tag: tagPending, URI: uri}
}

// BitcoinAttestation создаёт аттестацию блоком height.
func BitcoinAttestation(height uint64) Attestation {
	return Attestation{Tag: tagBitcoin, Height: height}
}

// IsPending сообщает, что аттестация ожидающая.
func (a Attestation) IsPending() bool { return a.Tag == tagPending }

// IsBitcoin сообщает, что аттестация подтверждена блоком Bitcoin.
func (a Attestation) IsBitcoin() bool { return a.Tag == tagBitcoin }

// String — представление для логов.
func (a Attestation) String() string {
	switch {
	case a.IsPending():
		return fmt.Sprintf("PendingAttestation(%s)", a.URI)
	case a.IsBitcoin():
		return fmt.Sprintf("BitcoinBlockHeaderAttestation(%d)", a.Height)
	}
	return fmt.Sprintf("UnknownAttestation(%s)", hex.EncodeToString(a.Tag[:]))
}

// payloadBytes возвращает сериализованную полезную нагрузку.
func (a Attestation) payloadBytes() []byte {
	var e encoder
	switch {
	case a.IsPending():
		e.writeVarbytes([]byte(a.URI))
	case a.IsBitcoin():
		e.writeVaruint(a.Height)
	default:
		return a.payload
	}
	return e.buf.Bytes()
}

// key — ключ для множества аттестаций.
func (a Attestation) key() string {
	return string(a.Tag[:]) + string(a.payloadBytes())
}

// less задаёт порядок сериализации.
func (a Attestation) less(other Attestation) bool {
	if c := bytes.Compare(a.Tag[:], other.Tag[:]); c != 0 {
		return c < 0
	}
	switch {
	case a.IsPending():
		return a.URI < other.URI
	case a.IsBitcoin():
		return a.Height < other.Height
	}
	return bytes.Compare(a.payload, other.payload) < 0
}

func (a Attestation) encode(e *encoder) {
	e.writeBytes(a.Tag[:])
	e.writeVarbytes(a.payloadBytes())
}

func decodeAttestation(d *decoder) (Attestation, error) {
	tagBytes, err := d.readBytes(tagLength)
	if err != nil {
		return Attestation{}, err
	}
	payload, err := d.readVarbytes(maxPayloadSize, 0)
	if err != nil {
		return Attestation{}, err
	}

	var a Attestation
	copy(a.Tag[:], tagBytes)
	pd := newDecoder(payload)

	switch a.Tag {
	case tagPending:
		uri, err := pd.readVarbytes(maxURILength, 0)
		if err != nil {
			return Attestation{}, err
		}
		if err := checkURI(uri); err != nil {
			return Attestation{}, err
		}
		a.URI = string(uri)
	case tagBitcoin:
		a.Height, err = pd.readVaruint()
		if err != nil {
			return Attestation{}, err
		}
	default:
		a.payload = payload
		return a, nil
	}

	if err := pd.assertEOF(); err != nil {
		return Attestation{}, err
	}
	return a, nil
}

// checkURI допускает только символы [a-zA-Z0-9._/:-].
func checkURI(uri []byte) error {
	for _, c := range uri {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '/', c == ':', c == '-':
		default:
			return fmt.Errorf("%w: недопустимый символ %q в URI календаря", ErrDeserialization, c)
		}
	}
	return nil
}
