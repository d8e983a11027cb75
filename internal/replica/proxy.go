// proxy.go — передача записи от follower к leader.
//
// GET и HEAD обслуживаются локально. Остальные запросы на follower
// проксируются leader через httputil.ReverseProxy. Заголовок
// Authorization передаётся как есть, leader проверяет токен сам.
package replica

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
)

// forwardedHeader помечает запрос, уже переданный follower.
const forwardedHeader = "X-Timebags-Forwarded"

// ProxyConfig — параметры соединения с leader.
type ProxyConfig struct {
	// TLS — leader слушает HTTPS
	TLS bool
	// TLSSkipVerify — не проверять сертификат leader
	TLSSkipVerify bool
}

// LeaderProxy — middleware передачи записи leader.
type LeaderProxy struct {
	roles     RoleProvider
	scheme    string
	transport *http.Transport
	logger    *slog.Logger
}

// NewLeaderProxy создаёт middleware.
func NewLeaderProxy(roles RoleProvider, cfg ProxyConfig, logger *slog.Logger) *LeaderProxy {
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // настраивается через TB_TLS_SKIP_VERIFY
	}
	return &LeaderProxy{
		roles:     roles,
		scheme:    scheme,
		transport: transport,
		logger:    logger.With(slog.String("component", "proxy")),
	}
}

// Middleware возвращает chi-совместимый middleware.
func (p *LeaderProxy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.roles.IsLeader() || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		// Запрос пришёл от другого follower: leader сменился, цепочку не продолжаем
		if r.Header.Get(forwardedHeader) != "" {
			apierrors.Write(w, apierrors.CodeLeaderUnknown,
				"Экземпляр не является leader, повторите позже")
			return
		}

		leaderAddr := p.roles.LeaderAddr()
		if leaderAddr == "" {
			p.logger.Warn("Адрес leader неизвестен, запрос не передан",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			apierrors.Write(w, apierrors.CodeLeaderUnknown,
				"Leader неизвестен, повторите позже")
			return
		}

		target, err := url.Parse(p.scheme + "://" + leaderAddr)
		if err != nil {
			p.logger.Error("Некорректный адрес leader",
				slog.String("leader_addr", leaderAddr),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Ошибка передачи запроса leader")
			return
		}

		p.logger.Debug("Запрос передан leader",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("leader", target.String()),
		)

		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.SetXForwarded()
				pr.Out.Header.Set(forwardedHeader, "1")
			},
			Transport: p.transport,
			ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
				p.logger.Error("Ошибка соединения с leader",
					slog.String("error", err.Error()),
					slog.String("leader", target.String()),
				)
				apierrors.Write(w, apierrors.CodeProxyError,
					"Ошибка соединения с leader: "+err.Error())
			},
		}
		proxy.ServeHTTP(w, r)
	})
}
