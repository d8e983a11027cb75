// Пакет tsa — клиент RFC 3161 Time-Stamping Authority.
//
// Client опрашивает настроенные TSA по очереди и возвращает первый
// успешно полученный токен. Ошибки разделяются на сетевые (ErrNetwork:
// соединение, таймаут, HTTP-статус) и криптографические (ErrRejected:
// некорректный ответ, отказ TSA, несовпадение хеша или nonce, подпись).
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/TimeBags/timebags/internal/config"
)

var (
	// ErrNetwork — TSA недоступна: соединение, таймаут или HTTP-статус.
	ErrNetwork = errors.New("TSA недоступна")
	// ErrRejected — ответ TSA отвергнут: формат, статус, хеш, nonce или подпись.
	ErrRejected = errors.New("ответ TSA отвергнут")
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"
	// maxResponseSize — предел размера ответа TSA
	maxResponseSize = 1 << 20
)

// Token — полученный RFC 3161 токен.
type Token struct {
	// Bytes — DER TimeStampToken (содержимое META-INF/timestamp.tst)
	Bytes []byte
	// IssuedAt — genTime из TSTInfo
	IssuedAt time.Time
	// Authority — URL TSA, выдавшей токен
	Authority string
}

// Authority — параметры одной TSA.
type Authority struct {
	URL string
	// Certificate — сертификат TSA для проверки подписи, если токен
	// не содержит вложенных сертификатов (опционально)
	Certificate *x509.Certificate
	// RootCAs — доверенные CA для TLS (nil — системные)
	RootCAs  *x509.CertPool
	Username string
	Password string
	Timeout  time.Duration
	Hash     crypto.Hash
	// IncludeTSACert — просить TSA вложить сертификат в токен
	IncludeTSACert bool
}

// ParseHash преобразует hashname из tsa.yaml в crypto.Hash.
func ParseHash(name string) (crypto.Hash, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return crypto.SHA1, nil
	case "sha256", "":
		return crypto.SHA256, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("неподдерживаемый хеш-алгоритм %q", name)
	}
}

// AuthoritiesFromConfig строит список TSA из записей tsa.yaml,
// загружая сертификаты с диска.
func AuthoritiesFromConfig(list []config.AuthorityConfig) ([]Authority, error) {
	out := make([]Authority, 0, len(list))
	for _, c := range list {
		h, err := ParseHash(c.HashName)
		if err != nil {
			return nil, fmt.Errorf("TSA %s: %w", c.URL, err)
		}
		a := Authority{
			URL:            c.URL,
			Timeout:        c.TimeoutDuration(),
			Hash:           h,
			IncludeTSACert: c.IncludeTSACert,
		}
		if c.Username != nil {
			a.Username = *c.Username
		}
		if c.Password != nil {
			a.Password = *c.Password
		}
		if c.TSACert != nil {
			cert, err := loadCertificate(*c.TSACert)
			if err != nil {
				return nil, fmt.Errorf("TSA %s: %w", c.URL, err)
			}
			a.Certificate = cert
		}
		if c.CACert != nil {
			pemData, err := os.ReadFile(*c.CACert)
			if err != nil {
				return nil, fmt.Errorf("TSA %s: загрузка CA-сертификата %s: %w", c.URL, *c.CACert, err)
			}
			pool, err := x509.SystemCertPool()
			if err != nil {
				pool = x509.NewCertPool()
			}
			pool.AppendCertsFromPEM(pemData)
			a.RootCAs = pool
		}
		out = append(out, a)
	}
	return out, nil
}

// loadCertificate читает первый сертификат из PEM-файла.
func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("загрузка сертификата %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: PEM-блок CERTIFICATE не найден", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

// Client — клиент нескольких TSA.
type Client struct {
	authorities []Authority
	clients     []*http.Client
	logger      *slog.Logger
}

// NewClient создаёт клиент. Порядок authorities — порядок опроса.
func NewClient(authorities []Authority, logger *slog.Logger) *Client {
	clients := make([]*http.Client, len(authorities))
	for i, a := range authorities {
		clients[i] = &http.Client{
			Timeout: a.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{RootCAs: a.RootCAs, MinVersion: tls.VersionTLS12},
			},
		}
	}
	return &Client{
		authorities: authorities,
		clients:     clients,
		logger:      logger.With(slog.String("component", "tsa_client")),
	}
}

// URLs возвращает адреса настроенных TSA.
func (c *Client) URLs() []string {
	urls := make([]string, len(c.authorities))
	for i, a := range c.authorities {
		urls[i] = a.URL
	}
	return urls
}

// RequestToken запрашивает токен над data у TSA по очереди.
// Возвращает первый успешный токен; при неудаче у всех — объединённую
// ошибку, для которой errors.Is различает ErrNetwork и ErrRejected.
func (c *Client) RequestToken(ctx context.Context, data []byte) (*Token, error) {
	if len(c.authorities) == 0 {
		return nil, fmt.Errorf("%w: TSA не настроены", ErrNetwork)
	}

	var errs []error
	for i, a := range c.authorities {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrNetwork, err))
			break
		}

		tok, err := c.request(ctx, c.clients[i], a, data)
		if err == nil {
			c.logger.Info("Получен RFC 3161 токен",
				slog.String("tsa", a.URL),
				slog.Time("issued_at", tok.IssuedAt),
			)
			return tok, nil
		}

		c.logger.Warn("TSA не выдала токен",
			slog.String("tsa", a.URL),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", a.URL, err))
	}
	return nil, errors.Join(errs...)
}

// request выполняет один запрос к TSA.
func (c *Client) request(ctx context.Context, hc *http.Client, a Authority, data []byte) (*Token, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("генерация nonce: %w", err)
	}

	query, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         a.Hash,
		Certificates: a.IncludeTSACert,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: формирование запроса: %v", ErrRejected, err)
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", contentTypeQuery)
	req.Header.Set("Accept", contentTypeReply)
	req.Header.Set("User-Agent", "timebags/"+config.Version)
	if a.Username != "" || a.Password != "" {
		req.SetBasicAuth(a.Username, a.Password)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: чтение ответа: %v", ErrNetwork, err)
	}

	// ParseResponse проверяет статус и, при вложенных сертификатах, подпись
	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	h := a.Hash.New()
	h.Write(data)
	if ts.HashAlgorithm != a.Hash || !bytes.Equal(ts.HashedMessage, h.Sum(nil)) {
		return nil, fmt.Errorf("%w: хеш в токене не совпадает с запрошенным", ErrRejected)
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce в токене не совпадает с запрошенным", ErrRejected)
	}
	if len(ts.Certificates) == 0 && a.Certificate != nil {
		if err := verifyWith(ts.RawToken, []*x509.Certificate{a.Certificate}); err != nil {
			return nil, fmt.Errorf("%w: подпись: %v", ErrRejected, err)
		}
	}

	return &Token{Bytes: ts.RawToken, IssuedAt: ts.Time, Authority: a.URL}, nil
}

// verifyWith проверяет подпись токена без вложенных сертификатов.
func verifyWith(token []byte, certs []*x509.Certificate) error {
	p7, err := pkcs7.Parse(token)
	if err != nil {
		return err
	}
	p7.Certificates = certs
	return p7.Verify()
}
