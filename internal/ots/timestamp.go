package ots

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// maxRecursionDepth — предел вложенности дерева при разборе.
const maxRecursionDepth = 256

// Timestamp — дерево доказательства: сообщение, его аттестации и
// операции, ведущие к производным сообщениям.
type Timestamp struct {
	Msg          []byte
	Attestations []Attestation
	Ops          []*Edge
}

// Edge — операция и поддерево её результата.
type Edge struct {
	Op    Op
	Stamp *Timestamp
}

// NewTimestamp создаёт пустое дерево над сообщением msg.
func NewTimestamp(msg []byte) *Timestamp {
	return &Timestamp{Msg: append([]byte(nil), msg...)}
}

// child возвращает поддерево операции op или nil.
func (t *Timestamp) child(op Op) *Timestamp {
	for _, e := range t.Ops {
		if e.Op.Equal(op) {
			return e.Stamp
		}
	}
	return nil
}

// Add применяет op к сообщению и возвращает поддерево результата.
// Если операция уже есть, возвращается существующее поддерево.
func (t *Timestamp) Add(op Op) (*Timestamp, error) {
	if existing := t.child(op); existing != nil {
		return existing, nil
	}
	result, err := op.Apply(t.Msg)
	if err != nil {
		return nil, err
	}
	stamp := &Timestamp{Msg: result}
	t.Ops = append(t.Ops, &Edge{Op: op, Stamp: stamp})
	return stamp, nil
}

// setOp привязывает к op уже существующее поддерево.
func (t *Timestamp) setOp(op Op, stamp *Timestamp) {
	for _, e := range t.Ops {
		if e.Op.Equal(op) {
			e.Stamp = stamp
			return
		}
	}
	t.Ops = append(t.Ops, &Edge{Op: op, Stamp: stamp})
}

// AddAttestation добавляет аттестацию, дубли игнорируются.
func (t *Timestamp) AddAttestation(a Attestation) {
	k := a.key()
	for _, existing := range t.Attestations {
		if existing.key() == k {
			return
		}
	}
	t.Attestations = append(t.Attestations, a)
}

// Merge вливает other в t. Сообщения корней должны совпадать.
func (t *Timestamp) Merge(other *Timestamp) error {
	if !bytes.Equal(t.Msg, other.Msg) {
		return errors.New("нельзя объединить деревья с разными сообщениями")
	}
	for _, a := range other.Attestations {
		t.AddAttestation(a)
	}
	for _, e := range other.Ops {
		own, err := t.Add(e.Op)
		if err != nil {
			return err
		}
		if err := own.Merge(e.Stamp); err != nil {
			return err
		}
	}
	return nil
}

// MsgAttestation — аттестация вместе с сообщением, к которому она относится.
type MsgAttestation struct {
	Msg         []byte
	Attestation Attestation
}

// AllAttestations обходит дерево и возвращает все аттестации.
func (t *Timestamp) AllAttestations() []MsgAttestation {
	var out []MsgAttestation
	var walk func(*Timestamp)
	walk = func(s *Timestamp) {
		for _, a := range s.Attestations {
			out = append(out, MsgAttestation{Msg: s.Msg, Attestation: a})
		}
		for _, e := range s.Ops {
			walk(e.Stamp)
		}
	}
	walk(t)
	return out
}

// directlyVerified возвращает узлы с аттестациями; ниже них обход не идёт.
func (t *Timestamp) directlyVerified() []*Timestamp {
	if len(t.Attestations) > 0 {
		return []*Timestamp{t}
	}
	var out []*Timestamp
	for _, e := range t.Ops {
		out = append(out, e.Stamp.directlyVerified()...)
	}
	return out
}

// IsComplete сообщает, есть ли в дереве аттестация блоком Bitcoin.
func (t *Timestamp) IsComplete() bool {
	for _, ma := range t.AllAttestations() {
		if ma.Attestation.IsBitcoin() {
			return true
		}
	}
	return false
}

// encode сериализует дерево. Аттестации и операции упорядочиваются,
// все ветви, кроме последней, предваряются маркером 0xff.
func (t *Timestamp) encode(e *encoder) error {
	if len(t.Attestations) == 0 && len(t.Ops) == 0 {
		return errors.New("пустое дерево не сериализуется")
	}

	atts := make([]Attestation, len(t.Attestations))
	copy(atts, t.Attestations)
	sort.Slice(atts, func(i, j int) bool { return atts[i].less(atts[j]) })

	ops := make([]*Edge, len(t.Ops))
	copy(ops, t.Ops)
	sort.Slice(ops, func(i, j int) bool { return ops[i].Op.less(ops[j].Op) })

	for i := 0; i+1 < len(atts); i++ {
		e.writeBytes([]byte{0xff, 0x00})
		atts[i].encode(e)
	}

	if len(ops) == 0 {
		e.writeByte(0x00)
		atts[len(atts)-1].encode(e)
		return nil
	}

	if len(atts) > 0 {
		e.writeBytes([]byte{0xff, 0x00})
		atts[len(atts)-1].encode(e)
	}
	for i, edge := range ops {
		if i+1 < len(ops) {
			e.writeByte(0xff)
		}
		edge.Op.encode(e)
		if err := edge.Stamp.encode(e); err != nil {
			return err
		}
	}
	return nil
}

// decodeTimestamp читает дерево над сообщением msg.
func decodeTimestamp(d *decoder, msg []byte, depth int) (*Timestamp, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("%w: превышена глубина дерева", ErrDeserialization)
	}
	t := NewTimestamp(msg)

	branch := func(tag byte) error {
		if tag == 0x00 {
			a, err := decodeAttestation(d)
			if err != nil {
				return err
			}
			t.AddAttestation(a)
			return nil
		}
		op, err := decodeOp(d, tag)
		if err != nil {
			return err
		}
		result, err := op.Apply(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		stamp, err := decodeTimestamp(d, result, depth-1)
		if err != nil {
			return err
		}
		t.setOp(op, stamp)
		return nil
	}

	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	for tag == 0xff {
		current, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if err := branch(current); err != nil {
			return nil, err
		}
		if tag, err = d.readByte(); err != nil {
			return nil, err
		}
	}
	if err := branch(tag); err != nil {
		return nil, err
	}
	return t, nil
}

// MerkleTree строит дерево над листьями попарной конкатенацией и sha256.
// Нечётный узел поднимается на уровень выше. Возвращает вершину.
func MerkleTree(leaves []*Timestamp) (*Timestamp, error) {
	if len(leaves) == 0 {
		return nil, errors.New("для merkle-дерева нужен хотя бы один лист")
	}
	level := leaves
	for len(level) > 1 {
		var next []*Timestamp
		for i := 0; i+1 < len(level); i += 2 {
			parent, err := catSHA256(level[i], level[i+1])
			if err != nil {
				return nil, err
			}
			next = append(next, parent)
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0], nil
}

// catSHA256 связывает два узла: left||right с обеих сторон указывает
// на один и тот же узел, над которым считается sha256.
func catSHA256(left, right *Timestamp) (*Timestamp, error) {
	joined, err := left.Add(OpAppend(right.Msg))
	if err != nil {
		return nil, err
	}
	right.setOp(OpPrepend(left.Msg), joined)
	return joined.Add(OpSHA256())
}
