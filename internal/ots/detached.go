package ots

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

// headerMagic — сигнатура файла .ots.
var headerMagic = []byte("\x00OpenTimestamps\x00\x00Proof\x00\xbf\x89\xe2\xe8\x84\xe8\x92\x94")

// majorVersion — поддерживаемая версия формата.
const majorVersion = 1

// DetachedFile — отсоединённое доказательство: хеш файла и дерево над ним.
type DetachedFile struct {
	FileHashOp Op
	Timestamp  *Timestamp
}

// NewDetachedFile хеширует data операцией sha256 и создаёт пустое дерево.
func NewDetachedFile(data []byte) (*DetachedFile, error) {
	op := OpSHA256()
	digest, err := hashData(op, data)
	if err != nil {
		return nil, err
	}
	return &DetachedFile{FileHashOp: op, Timestamp: NewTimestamp(digest)}, nil
}

// hashData считает хеш файла; в отличие от Op.Apply длина data не ограничена.
func hashData(op Op, data []byte) ([]byte, error) {
	if !isCrypt(op.Tag) {
		return nil, fmt.Errorf("%s не является хеш-операцией", op.Name())
	}
	h := newHash(op.Tag)
	h.Write(data)
	return h.Sum(nil), nil
}

// Digest возвращает хеш файла.
func (f *DetachedFile) Digest() []byte {
	return f.Timestamp.Msg
}

// Serialize кодирует доказательство в байты файла .ots.
func (f *DetachedFile) Serialize() ([]byte, error) {
	if len(f.Timestamp.Msg) != digestLength(f.FileHashOp.Tag) {
		return nil, fmt.Errorf("длина хеша %d не соответствует %s", len(f.Timestamp.Msg), f.FileHashOp.Name())
	}
	var e encoder
	e.writeBytes(headerMagic)
	e.writeVaruint(majorVersion)
	f.FileHashOp.encode(&e)
	e.writeBytes(f.Timestamp.Msg)
	if err := f.Timestamp.encode(&e); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// ParseDetached разбирает байты файла .ots.
func ParseDetached(data []byte) (*DetachedFile, error) {
	d := newDecoder(data)

	magic, err := d.readBytes(len(headerMagic))
	if err != nil || !bytes.Equal(magic, headerMagic) {
		return nil, fmt.Errorf("%w: не файл OpenTimestamps", ErrDeserialization)
	}
	version, err := d.readVaruint()
	if err != nil {
		return nil, err
	}
	if version != majorVersion {
		return nil, fmt.Errorf("%w: неподдерживаемая версия %d", ErrDeserialization, version)
	}

	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if !isCrypt(tag) {
		return nil, fmt.Errorf("%w: 0x%02x не является хеш-операцией", ErrDeserialization, tag)
	}
	op := Op{Tag: tag}

	digest, err := d.readBytes(digestLength(tag))
	if err != nil {
		return nil, err
	}
	ts, err := decodeTimestamp(d, digest, maxRecursionDepth)
	if err != nil {
		return nil, err
	}
	if err := d.assertEOF(); err != nil {
		return nil, err
	}
	return &DetachedFile{FileHashOp: op, Timestamp: ts}, nil
}

// CheckDigest проверяет, что доказательство построено над data.
func CheckDigest(proof, data []byte) (bool, error) {
	f, err := ParseDetached(proof)
	if err != nil {
		return false, err
	}
	digest, err := hashData(f.FileHashOp, data)
	if err != nil {
		return false, err
	}
	return bytes.Equal(digest, f.Digest()), nil
}

// Confirmation — подтверждение блоком: высота и merkle root
// в принятом в Bitcoin порядке байт (обратный hex).
type Confirmation struct {
	Height     uint64
	MerkleRoot string
}

// ProofInfo — офлайн-сводка доказательства.
type ProofInfo struct {
	// Complete — есть хотя бы одно подтверждение блоком
	Complete bool
	// Pending — URI календарей с ожидающими аттестациями
	Pending []string
	// Confirmations — подтверждения, по возрастанию высоты
	Confirmations []Confirmation
}

// Info разбирает доказательство без обращения к сети.
func Info(proof []byte) (*ProofInfo, error) {
	f, err := ParseDetached(proof)
	if err != nil {
		return nil, err
	}
	return infoOf(f.Timestamp), nil
}

func infoOf(t *Timestamp) *ProofInfo {
	info := &ProofInfo{}
	seenURI := make(map[string]bool)
	seenConf := make(map[Confirmation]bool)
	for _, ma := range t.AllAttestations() {
		a := ma.Attestation
		switch {
		case a.IsBitcoin():
			c := Confirmation{Height: a.Height, MerkleRoot: reversedHex(ma.Msg)}
			if !seenConf[c] {
				seenConf[c] = true
				info.Confirmations = append(info.Confirmations, c)
			}
		case a.IsPending():
			if !seenURI[a.URI] {
				seenURI[a.URI] = true
				info.Pending = append(info.Pending, a.URI)
			}
		}
	}
	sort.Slice(info.Confirmations, func(i, j int) bool {
		return info.Confirmations[i].Height < info.Confirmations[j].Height
	})
	info.Complete = len(info.Confirmations) > 0
	return info
}

// reversedHex — hex от байтов в обратном порядке.
func reversedHex(b []byte) string {
	r := make([]byte, len(b))
	for i := range b {
		r[i] = b[len(b)-1-i]
	}
	return hex.EncodeToString(r)
}
