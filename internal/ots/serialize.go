package ots

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrDeserialization — байты не являются корректным доказательством.
var ErrDeserialization = errors.New("некорректное доказательство OpenTimestamps")

// decoder читает примитивы формата: varuint (LEB128), varbytes, фиксированные байты.
type decoder struct {
	r *bytes.Reader
}

func newDecoder(data []byte) *decoder {
	return &decoder{r: bytes.NewReader(data)}
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, fmt.Errorf("%w: ожидалось %d байт: %v", ErrDeserialization, n, err)
	}
	return buf, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: неожиданный конец данных", ErrDeserialization)
	}
	return b, nil
}

func (d *decoder) readVaruint() (uint64, error) {
	var value uint64
	var shift uint
	for {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, fmt.Errorf("%w: varuint переполнен", ErrDeserialization)
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
}

func (d *decoder) readVarbytes(maxLen, minLen int) ([]byte, error) {
	l, err := d.readVaruint()
	if err != nil {
		return nil, err
	}
	if l > uint64(maxLen) {
		return nil, fmt.Errorf("%w: длина %d больше допустимой %d", ErrDeserialization, l, maxLen)
	}
	if l < uint64(minLen) {
		return nil, fmt.Errorf("%w: длина %d меньше допустимой %d", ErrDeserialization, l, minLen)
	}
	return d.readBytes(int(l))
}

func (d *decoder) assertEOF() error {
	if d.r.Len() != 0 {
		return fmt.Errorf("%w: лишние %d байт в конце", ErrDeserialization, d.r.Len())
	}
	return nil
}

// encoder — парная к decoder запись.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) writeBytes(b []byte) {
	e.buf.Write(b)
}

func (e *encoder) writeByte(b byte) {
	e.buf.WriteByte(b)
}

func (e *encoder) writeVaruint(v uint64) {
	for v >= 0x80 {
		e.buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	e.buf.WriteByte(byte(v))
}

func (e *encoder) writeVarbytes(b []byte) {
	e.writeVaruint(uint64(len(b)))
	e.buf.Write(b)
}
