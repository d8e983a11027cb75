package tsa

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

// TokenInfo — сведения из существующего токена.
type TokenInfo struct {
	IssuedAt time.Time
	// Authority — CN сертификата TSA, либо серийный номер токена
	Authority string
	// Verified — подпись CMS проверена вложенными или доверенными
	// сертификатами. Цепочка до корневого CA не проверяется.
	Verified      bool
	Hash          crypto.Hash
	HashedMessage []byte
}

// Matches проверяет, что токен выдан над data.
func (i *TokenInfo) Matches(data []byte) bool {
	if !i.Hash.Available() {
		return false
	}
	h := i.Hash.New()
	h.Write(data)
	return bytes.Equal(h.Sum(nil), i.HashedMessage)
}

// Inspect разбирает токен без обращения к сети.
// trusted используются, если токен не содержит сертификатов.
// Токен с вложенными сертификатами и неверной подписью возвращает ErrRejected.
func Inspect(token []byte, trusted []*x509.Certificate) (*TokenInfo, error) {
	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	embedded := len(p7.Certificates) > 0

	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	info := &TokenInfo{
		IssuedAt:      ts.Time,
		Hash:          ts.HashAlgorithm,
		HashedMessage: ts.HashedMessage,
		// timestamp.Parse уже проверил подпись вложенными сертификатами
		Verified: embedded,
	}

	certs := ts.Certificates
	if !embedded && len(trusted) > 0 {
		if err := verifyWith(token, trusted); err == nil {
			info.Verified = true
			certs = trusted
		}
	}

	info.Authority = authorityName(certs, ts)
	return info, nil
}

// authorityName выбирает CN сертификата, подписавшего токен.
func authorityName(certs []*x509.Certificate, ts *timestamp.Timestamp) string {
	for _, c := range certs {
		if c.IsCA {
			continue
		}
		if c.Subject.CommonName != "" {
			return c.Subject.CommonName
		}
	}
	for _, c := range certs {
		if c.Subject.CommonName != "" {
			return c.Subject.CommonName
		}
	}
	if ts.SerialNumber != nil {
		return "serial:" + ts.SerialNumber.String()
	}
	return ""
}
