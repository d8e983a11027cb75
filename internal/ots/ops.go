package ots

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // операция формата OpenTimestamps
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // операция формата OpenTimestamps
	"golang.org/x/crypto/sha3"
)

// Теги операций.
const (
	tagSHA1      byte = 0x02
	tagRIPEMD160 byte = 0x03
	tagSHA256    byte = 0x08
	tagKeccak256 byte = 0x67
	tagAppend    byte = 0xf0
	tagPrepend   byte = 0xf1
	tagReverse   byte = 0xf2
	tagHexlify   byte = 0xf3
)

const (
	// maxMsgLength — предел длины входного сообщения операции
	maxMsgLength = 4096
	// maxResultLength — предел длины результата и аргумента операции
	maxResultLength = 4096
)

// Op — операция над сообщением: хеш, конкатенация или преобразование.
// Arg задан только у бинарных операций (append, prepend).
type Op struct {
	Tag byte
	Arg []byte
}

// OpSHA256 возвращает операцию sha256.
func OpSHA256() Op { return Op{Tag: tagSHA256} }

// OpAppend возвращает операцию msg || arg.
func OpAppend(arg []byte) Op { return Op{Tag: tagAppend, Arg: arg} }

// OpPrepend возвращает операцию arg || msg.
func OpPrepend(arg []byte) Op { return Op{Tag: tagPrepend, Arg: arg} }

// isBinary сообщает, несёт ли операция аргумент.
func isBinary(tag byte) bool {
	return tag == tagAppend || tag == tagPrepend
}

// isKnown сообщает, поддерживается ли тег.
func isKnown(tag byte) bool {
	switch tag {
	case tagSHA1, tagRIPEMD160, tagSHA256, tagKeccak256,
		tagAppend, tagPrepend, tagReverse, tagHexlify:
		return true
	}
	return false
}

// isCrypt сообщает, является ли операция хеш-функцией (допустима как file hash op).
func isCrypt(tag byte) bool {
	switch tag {
	case tagSHA1, tagRIPEMD160, tagSHA256, tagKeccak256:
		return true
	}
	return false
}

// digestLength — длина результата хеш-операции.
func digestLength(tag byte) int {
	switch tag {
	case tagSHA1, tagRIPEMD160:
		return 20
	case tagSHA256, tagKeccak256:
		return 32
	}
	return 0
}

// newHash создаёт хеш-функцию операции.
func newHash(tag byte) hash.Hash {
	switch tag {
	case tagSHA1:
		return sha1.New() //nolint:gosec // операция формата
	case tagRIPEMD160:
		return ripemd160.New()
	case tagSHA256:
		return sha256.New()
	case tagKeccak256:
		return sha3.NewLegacyKeccak256()
	}
	return nil
}

// Name возвращает имя операции, как в ots info.
func (o Op) Name() string {
	switch o.Tag {
	case tagSHA1:
		return "sha1"
	case tagRIPEMD160:
		return "ripemd160"
	case tagSHA256:
		return "sha256"
	case tagKeccak256:
		return "keccak256"
	case tagAppend:
		return "append"
	case tagPrepend:
		return "prepend"
	case tagReverse:
		return "reverse"
	case tagHexlify:
		return "hexlify"
	}
	return fmt.Sprintf("unknown(0x%02x)", o.Tag)
}

// Apply применяет операцию к сообщению.
func (o Op) Apply(msg []byte) ([]byte, error) {
	if len(msg) > maxMsgLength {
		return nil, fmt.Errorf("%s: сообщение длиной %d больше %d", o.Name(), len(msg), maxMsgLength)
	}

	var out []byte
	switch o.Tag {
	case tagSHA1, tagRIPEMD160, tagSHA256, tagKeccak256:
		h := newHash(o.Tag)
		h.Write(msg)
		out = h.Sum(nil)
	case tagAppend:
		out = make([]byte, 0, len(msg)+len(o.Arg))
		out = append(append(out, msg...), o.Arg...)
	case tagPrepend:
		out = make([]byte, 0, len(msg)+len(o.Arg))
		out = append(append(out, o.Arg...), msg...)
	case tagReverse:
		if len(msg) == 0 {
			return nil, fmt.Errorf("reverse: пустое сообщение")
		}
		out = make([]byte, len(msg))
		for i := range msg {
			out[i] = msg[len(msg)-1-i]
		}
	case tagHexlify:
		if len(msg) == 0 {
			return nil, fmt.Errorf("hexlify: пустое сообщение")
		}
		out = []byte(hex.EncodeToString(msg))
	default:
		return nil, fmt.Errorf("неизвестная операция 0x%02x", o.Tag)
	}

	if len(out) > maxResultLength {
		return nil, fmt.Errorf("%s: результат длиной %d больше %d", o.Name(), len(out), maxResultLength)
	}
	return out, nil
}

// Equal сравнивает операции по тегу и аргументу.
func (o Op) Equal(other Op) bool {
	return o.Tag == other.Tag && bytes.Equal(o.Arg, other.Arg)
}

// less задаёт порядок сериализации: по тегу, затем по аргументу.
func (o Op) less(other Op) bool {
	if o.Tag != other.Tag {
		return o.Tag < other.Tag
	}
	return bytes.Compare(o.Arg, other.Arg) < 0
}

func (o Op) encode(e *encoder) {
	e.writeByte(o.Tag)
	if isBinary(o.Tag) {
		e.writeVarbytes(o.Arg)
	}
}

// decodeOp читает операцию с уже прочитанным тегом.
func decodeOp(d *decoder, tag byte) (Op, error) {
	if !isKnown(tag) {
		return Op{}, fmt.Errorf("%w: неизвестная операция 0x%02x", ErrDeserialization, tag)
	}
	if !isBinary(tag) {
		return Op{Tag: tag}, nil
	}
	arg, err := d.readVarbytes(maxResultLength, 1)
	if err != nil {
		return Op{}, err
	}
	return Op{Tag: tag, Arg: arg}, nil
}
