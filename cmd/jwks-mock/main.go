// jwks-mock — выдача JWT для локального стенда.
//
// При старте генерирует RSA-ключ. GET /jwks отдаёт открытую часть,
// POST /token подписывает токен с нужными scope. TimeBags на стенде
// запускается с TB_JWKS_URL=http://localhost:8080/jwks.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
	"github.com/TimeBags/timebags/internal/api/middleware"
)

const (
	kid        = "timebags-dev"
	issuer     = "jwks-mock"
	defaultTTL = time.Hour
	minKeyBits = 1024
)

type tokenRequest struct {
	Sub        string   `json:"sub"`
	Scopes     []string `json:"scopes"`
	TTLSeconds int      `json:"ttl_seconds"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenClaims: scope строкой через пробел, как у Keycloak.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type issuerKey struct {
	priv *rsa.PrivateKey
	// jwks — готовый ответ GET /jwks
	jwks   []byte
	logger *slog.Logger
}

func newIssuerKey(bits int, logger *slog.Logger) (*issuerKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("генерация RSA ключа: %w", err)
	}
	jwks, err := publicSet(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &issuerKey{priv: priv, jwks: jwks, logger: logger}, nil
}

func publicSet(pub *rsa.PublicKey) ([]byte, error) {
	jwk, err := jwkset.NewJWKFromKey(pub, jwkset.JWKOptions{
		Metadata: jwkset.JWKMetadataOptions{ALG: jwkset.AlgRS256, KID: kid, USE: jwkset.UseSig},
	})
	if err != nil {
		return nil, fmt.Errorf("формирование JWK: %w", err)
	}
	set := jwkset.NewMemoryStorage()
	ctx := context.Background()
	if err := set.KeyWrite(ctx, jwk); err != nil {
		return nil, fmt.Errorf("запись JWK: %w", err)
	}
	raw, err := set.JSONPublic(ctx)
	if err != nil {
		return nil, fmt.Errorf("сериализация JWKS: %w", err)
	}
	return raw, nil
}

// sign выпускает токен; пустой scopes означает чтение и запись.
func (k *issuerKey) sign(sub string, scopes []string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if len(scopes) == 0 {
		scopes = []string{middleware.ScopeRead, middleware.ScopeWrite}
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	exp := now.Add(ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Scope: strings.Join(scopes, " "),
	})
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(k.priv)
	return signed, exp, err
}

func (k *issuerKey) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(k.jwks)
	})
	r.Post("/token", k.token)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func (k *issuerKey) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Невалидный JSON: "+err.Error())
		return
	}
	if req.Sub == "" {
		apierrors.ValidationError(w, "Поле 'sub' обязательно")
		return
	}

	signed, exp, err := k.sign(req.Sub, req.Scopes, time.Duration(req.TTLSeconds)*time.Second, time.Now())
	if err != nil {
		k.logger.Error("Ошибка подписи JWT", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка генерации токена")
		return
	}
	k.logger.Info("Токен выдан", slog.String("sub", req.Sub), slog.Time("expires_at", exp))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: signed, ExpiresAt: exp.UTC()})
}

// keyBits: MOCK_KEY_SIZE не меньше 1024, иначе 2048.
func keyBits() int {
	if n, err := strconv.Atoi(os.Getenv("MOCK_KEY_SIZE")); err == nil && n >= minKeyBits {
		return n
	}
	return 2048
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("jwks-mock остановлен с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	key, err := newIssuerKey(keyBits(), logger)
	if err != nil {
		return err
	}

	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           key.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	cert, priv := os.Getenv("MOCK_TLS_CERT"), os.Getenv("MOCK_TLS_KEY")
	useTLS := cert != "" && priv != ""
	logger.Info("jwks-mock запущен", slog.String("addr", srv.Addr), slog.Bool("tls", useTLS))
	if useTLS {
		err = srv.ListenAndServeTLS(cert, priv)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
