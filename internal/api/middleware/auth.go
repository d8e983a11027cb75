// auth.go — аутентификация API по JWT (RS256, ключи из JWKS).
//
// Токен выдаёт внешний провайдер (Keycloak и совместимые). Из claims
// берутся sub и scopes: строка "scope" через пробел или массив "scopes".
// Без TB_JWKS_URL middleware не подключается и API открыт.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
)

// Scopes API.
const (
	// ScopeRead — чтение реестра и скачивание контейнеров
	ScopeRead = "timebags:read"
	// ScopeWrite — загрузка, шаги и обслуживание
	ScopeWrite = "timebags:write"
)

// defaultJWKSTimeout — таймаут запроса JWKS, если не задан.
const defaultJWKSTimeout = 10 * time.Second

var authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tb_auth_failures_total",
	Help: "Отклонённые запросы API по причине",
}, []string{"reason"})

// Principal — вызывающий, прошедший аутентификацию.
type Principal struct {
	Subject string
	Scopes  []string
}

// Has проверяет наличие scope.
func (p Principal) Has(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type principalKey struct{}

// WithPrincipal кладёт вызывающего в контекст.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext возвращает вызывающего, если запрос аутентифицирован.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// SubjectFromContext возвращает sub или пустую строку для открытого API.
func SubjectFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Subject
}

// Claims — claims токена TimeBags.
type Claims struct {
	jwt.RegisteredClaims
	// ScopeString — OAuth2 "scope", через пробел
	ScopeString string `json:"scope"`
	// ScopeArray — "scopes" массивом
	ScopeArray []string `json:"scopes"`
}

// Scopes объединяет оба формата.
func (c *Claims) Scopes() []string {
	var result []string
	result = append(result, strings.Fields(c.ScopeString)...)
	result = append(result, c.ScopeArray...)
	return result
}

// JWTAuthConfig — параметры JWT middleware.
type JWTAuthConfig struct {
	JWKSURL string
	// CACertPath — CA для TLS JWKS endpoint (опционально)
	CACertPath    string
	TLSSkipVerify bool
	// ClientTimeout — таймаут запроса JWKS (по умолчанию 10s)
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	// JWTLeeway — допуск рассинхронизации часов
	JWTLeeway time.Duration
}

// JWTAuth — проверка JWT через JWKS.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	jwtLeeway time.Duration
	logger    *slog.Logger
	// stop завершает фоновое обновление JWKS
	stop context.CancelFunc
}

// NewJWTAuth создаёт middleware с ключами из authCfg.JWKSURL.
// Недоступный при старте JWKS не ошибка: ключи подтянутся при обновлении.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	httpClient, err := jwksHTTPClient(authCfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With(slog.String("component", "jwt_auth"))

	ctx, cancel := context.WithCancel(context.Background())
	storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		Ctx:                       ctx,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           authCfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", authCfg.JWKSURL),
			)
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage, Ctx: ctx})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:      k,
		jwtLeeway: authCfg.JWTLeeway,
		logger:    logger,
		stop:      cancel,
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с готовой keyfunc (тесты).
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

func jwksHTTPClient(authCfg JWTAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: authCfg.TLSSkipVerify, //nolint:gosec // TB_TLS_SKIP_VERIFY, тестовые стенды
	}

	if authCfg.CACertPath != "" {
		pem, err := os.ReadFile(authCfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", authCfg.CACertPath, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA-сертификат %s: нет PEM-сертификатов", authCfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	timeout := authCfg.ClientTimeout
	if timeout <= 0 {
		timeout = defaultJWKSTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

var (
	errNoHeader  = errors.New("отсутствует заголовок Authorization")
	errNotBearer = errors.New("неверный формат Authorization: ожидается Bearer <token>")
)

// bearerToken извлекает токен из заголовка Authorization.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errNotBearer
	}
	return strings.TrimSpace(token), nil
}

// Middleware проверяет подпись, exp и nbf, затем кладёт Principal в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				j.reject(w, "missing_token", err.Error())
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			)
			switch {
			case errors.Is(err, jwt.ErrTokenExpired):
				j.reject(w, "expired", "Срок действия токена истёк")
				return
			case err != nil || !token.Valid:
				j.logger.Debug("JWT не прошёл проверку",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				j.reject(w, "invalid", "Невалидный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				j.reject(w, "no_subject", "Отсутствует sub в токене")
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{Subject: subject, Scopes: claims.Scopes()})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (j *JWTAuth) reject(w http.ResponseWriter, reason, message string) {
	authFailures.WithLabelValues(reason).Inc()
	apierrors.Unauthorized(w, message)
}

// RequireScope пропускает запрос только с указанным scope.
// Ставится после JWTAuth.Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !p.Has(scope) {
				authFailures.WithLabelValues("scope").Inc()
				apierrors.Forbidden(w, "Недостаточно прав: требуется scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMethodScope: GET и HEAD требуют ScopeRead, остальные методы ScopeWrite.
func RequireMethodScope() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		read := RequireScope(ScopeRead)(next)
		write := RequireScope(ScopeWrite)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				read.ServeHTTP(w, r)
				return
			}
			write.ServeHTTP(w, r)
		})
	}
}

// Close останавливает фоновое обновление JWKS.
func (j *JWTAuth) Close() {
	if j.stop != nil {
		j.stop()
	}
}
