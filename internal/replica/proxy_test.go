package replica

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
)

type mockRoles struct {
	role       Role
	leaderAddr string
}

func (m *mockRoles) CurrentRole() Role  { return m.role }
func (m *mockRoles) IsLeader() bool     { return m.role == RoleLeader }
func (m *mockRoles) LeaderAddr() string { return m.leaderAddr }

func localHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("local"))
	})
}

func TestProxy_LocalRequests(t *testing.T) {
	tests := []struct {
		name   string
		role   Role
		method string
	}{
		{"leader POST", RoleLeader, http.MethodPost},
		{"follower GET", RoleFollower, http.MethodGet},
		{"follower HEAD", RoleFollower, http.MethodHead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := NewLeaderProxy(&mockRoles{role: tt.role, leaderAddr: "tb-0:8020"}, ProxyConfig{}, testLogger())
			rec := httptest.NewRecorder()
			proxy.Middleware(localHandler()).ServeHTTP(rec, httptest.NewRequest(tt.method, "/api/v1/containers", nil))

			if rec.Code != http.StatusOK {
				t.Errorf("ожидался статус 200, получен %d", rec.Code)
			}
			if tt.method != http.MethodHead && rec.Body.String() != "local" {
				t.Errorf("ожидался локальный ответ, получен %q", rec.Body.String())
			}
		})
	}
}

func TestProxy_FollowerForwardsWrite(t *testing.T) {
	leader := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(forwardedHeader) == "" {
			t.Error("leader должен получить отметку о передаче")
		}
		if r.URL.Path != "/api/v1/containers" || r.URL.Query().Get("name") != "a.txt" {
			t.Errorf("неожиданный запрос: %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Error("заголовок Authorization должен передаваться")
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte("leader:"), body...))
	}))
	defer leader.Close()

	roles := &mockRoles{role: RoleFollower, leaderAddr: strings.TrimPrefix(leader.URL, "https://")}
	proxy := NewLeaderProxy(roles, ProxyConfig{TLS: true, TLSSkipVerify: true}, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/containers?name=a.txt", strings.NewReader("data"))
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	proxy.Middleware(localHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("ожидался статус 201, получен %d", rec.Code)
	}
	if rec.Body.String() != "leader:data" {
		t.Errorf("ожидался ответ leader, получен %q", rec.Body.String())
	}
}

func TestProxy_FollowerErrors(t *testing.T) {
	tests := []struct {
		name       string
		leaderAddr string
		forwarded  bool
		wantStatus int
		wantCode   string
	}{
		{"leader неизвестен", "", false, http.StatusServiceUnavailable, apierrors.CodeLeaderUnknown},
		{"повторная передача", "tb-0:8020", true, http.StatusServiceUnavailable, apierrors.CodeLeaderUnknown},
		{"leader недоступен", "127.0.0.1:1", false, http.StatusBadGateway, apierrors.CodeProxyError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := NewLeaderProxy(&mockRoles{role: RoleFollower, leaderAddr: tt.leaderAddr}, ProxyConfig{}, testLogger())
			req := httptest.NewRequest(http.MethodPost, "/api/v1/containers/a.zip/step", nil)
			if tt.forwarded {
				req.Header.Set(forwardedHeader, "1")
			}
			rec := httptest.NewRecorder()
			proxy.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("follower не должен выполнять запись локально")
			})).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("ожидался статус %d, получен %d", tt.wantStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantCode) {
				t.Errorf("ожидался код %s, получено %q", tt.wantCode, rec.Body.String())
			}
		})
	}
}
