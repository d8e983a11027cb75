package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// allKeys — все переменные окружения TB_*.
var allKeys = []string{
	"TB_PORT", "TB_DATA_DIR", "TB_WAL_DIR", "TB_INBOX_DIR", "TB_CONF_DIR",
	"TB_LOG_LEVEL", "TB_LOG_FORMAT",
	"TB_UPGRADE_INTERVAL", "TB_UPGRADE_WORKERS", "TB_RECONCILE_INTERVAL",
	"TB_OTS_CALENDARS", "TB_OTS_MIN_RESPONSES", "TB_OTS_TIMEOUT",
	"TB_OTS_UPGRADE_TIMEOUT", "TB_OTS_RATE", "TB_TSA_TIMEOUT",
	"TB_JWKS_URL", "TB_JWKS_CA_CERT", "TB_JWKS_REFRESH_INTERVAL", "TB_JWT_LEEWAY",
	"TB_TLS_CERT", "TB_TLS_KEY", "TB_MAX_UPLOAD_SIZE",
	"TB_STATUS_CACHE_TTL", "TB_STATUS_CACHE_SIZE",
	"TB_DEPHEALTH_CHECK_INTERVAL", "TB_DEPHEALTH_GROUP", "TB_INSTANCE_ID",
	"TB_REPLICA_MODE", "TB_INDEX_REFRESH_INTERVAL", "TB_ADVERTISE_ADDR", "TB_TLS_SKIP_VERIFY",
	"TB_SHUTDOWN_TIMEOUT",
}

// clearEnv очищает все TB_* и задаёт указанные значения.
// t.Setenv восстанавливает окружение после теста.
func clearEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, map[string]string{"TB_CONF_DIR": "/tmp/tb-conf", "TB_INSTANCE_ID": "tb-test"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Port != 8020 {
		t.Errorf("Port: хотели 8020, получили %d", cfg.Port)
	}
	if cfg.DataDir != "./timebags-data" {
		t.Errorf("DataDir: получено %q", cfg.DataDir)
	}
	if cfg.WALDir != filepath.Join("./timebags-data", ".wal") {
		t.Errorf("WALDir: получено %q", cfg.WALDir)
	}
	if cfg.InboxDir != filepath.Join("./timebags-data", ".inbox") {
		t.Errorf("InboxDir: получено %q", cfg.InboxDir)
	}
	if cfg.ConfDir != "/tmp/tb-conf" {
		t.Errorf("ConfDir: получено %q", cfg.ConfDir)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel: хотели info, получили %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat: хотели json, получили %q", cfg.LogFormat)
	}
	if cfg.UpgradeInterval != time.Hour {
		t.Errorf("UpgradeInterval: хотели 1h, получили %v", cfg.UpgradeInterval)
	}
	if cfg.UpgradeWorkers != 4 {
		t.Errorf("UpgradeWorkers: хотели 4, получили %d", cfg.UpgradeWorkers)
	}
	if len(cfg.OTSCalendars) != 4 || cfg.OTSCalendars[0] != "https://a.pool.opentimestamps.org" {
		t.Errorf("OTSCalendars: получено %v", cfg.OTSCalendars)
	}
	if cfg.OTSMinResponses != 2 {
		t.Errorf("OTSMinResponses: хотели 2, получили %d", cfg.OTSMinResponses)
	}
	if cfg.OTSTimeout != 10*time.Second {
		t.Errorf("OTSTimeout: хотели 10s, получили %v", cfg.OTSTimeout)
	}
	if cfg.OTSRate != 5 {
		t.Errorf("OTSRate: хотели 5, получили %v", cfg.OTSRate)
	}
	if cfg.MaxUploadSize != 1073741824 {
		t.Errorf("MaxUploadSize: хотели 1 GiB, получили %d", cfg.MaxUploadSize)
	}
	if cfg.StatusCacheTTL != 30*time.Second || cfg.StatusCacheSize != 1000 {
		t.Errorf("кэш статусов: %v / %d", cfg.StatusCacheTTL, cfg.StatusCacheSize)
	}
	if cfg.DephealthGroup != "timebags" {
		t.Errorf("DephealthGroup: получено %q", cfg.DephealthGroup)
	}
	if cfg.InstanceID != "tb-test" {
		t.Errorf("InstanceID: получено %q", cfg.InstanceID)
	}
	if cfg.JWKSUrl != "" || cfg.TLSEnabled() {
		t.Error("по умолчанию аутентификация и TLS выключены")
	}
	if cfg.Replicated() || cfg.IndexRefreshInterval != 30*time.Second {
		t.Errorf("репликация: %q / %v", cfg.ReplicaMode, cfg.IndexRefreshInterval)
	}
	if !strings.HasSuffix(cfg.AdvertiseAddr, ":8020") {
		t.Errorf("AdvertiseAddr: получено %q", cfg.AdvertiseAddr)
	}
	if cfg.TLSSkipVerify {
		t.Error("TLSSkipVerify: ожидалось false")
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t, map[string]string{
		"TB_PORT":              "9000",
		"TB_DATA_DIR":          "/data",
		"TB_WAL_DIR":           "/wal",
		"TB_CONF_DIR":          "/conf",
		"TB_LOG_LEVEL":         "debug",
		"TB_LOG_FORMAT":        "text",
		"TB_OTS_CALENDARS":     "https://c1.example, https://c2.example ,",
		"TB_OTS_MIN_RESPONSES": "1",
		"TB_OTS_RATE":          "0.5",
		"TB_TLS_CERT":          "/tls/cert.pem",
		"TB_TLS_KEY":           "/tls/key.pem",
		"TB_REPLICA_MODE":      "replicated",
		"TB_ADVERTISE_ADDR":    "tb-0.timebags:9000",
		"TB_TLS_SKIP_VERIFY":   "true",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port: хотели 9000, получили %d", cfg.Port)
	}
	if cfg.WALDir != "/wal" || cfg.InboxDir != filepath.Join("/data", ".inbox") {
		t.Errorf("WALDir/InboxDir: %q / %q", cfg.WALDir, cfg.InboxDir)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "text" {
		t.Errorf("логирование: %v / %q", cfg.LogLevel, cfg.LogFormat)
	}
	if len(cfg.OTSCalendars) != 2 || cfg.OTSCalendars[1] != "https://c2.example" {
		t.Errorf("OTSCalendars: получено %v", cfg.OTSCalendars)
	}
	if cfg.OTSRate != 0.5 {
		t.Errorf("OTSRate: хотели 0.5, получили %v", cfg.OTSRate)
	}
	if !cfg.TLSEnabled() {
		t.Error("TLSEnabled(): ожидалось true")
	}
	if !cfg.Replicated() || cfg.AdvertiseAddr != "tb-0.timebags:9000" || !cfg.TLSSkipVerify {
		t.Errorf("репликация: %q / %q / %v", cfg.ReplicaMode, cfg.AdvertiseAddr, cfg.TLSSkipVerify)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"порт не число", map[string]string{"TB_PORT": "abc"}, "TB_PORT"},
		{"порт вне диапазона", map[string]string{"TB_PORT": "70000"}, "TB_PORT"},
		{"уровень логов", map[string]string{"TB_LOG_LEVEL": "trace"}, "TB_LOG_LEVEL"},
		{"формат логов", map[string]string{"TB_LOG_FORMAT": "xml"}, "TB_LOG_FORMAT"},
		{"интервал", map[string]string{"TB_UPGRADE_INTERVAL": "час"}, "TB_UPGRADE_INTERVAL"},
		{"воркеры", map[string]string{"TB_UPGRADE_WORKERS": "0"}, "TB_UPGRADE_WORKERS"},
		{"кворум больше календарей", map[string]string{
			"TB_OTS_CALENDARS": "https://c1.example", "TB_OTS_MIN_RESPONSES": "2"}, "TB_OTS_MIN_RESPONSES"},
		{"rate", map[string]string{"TB_OTS_RATE": "-1"}, "TB_OTS_RATE"},
		{"только сертификат TLS", map[string]string{"TB_TLS_CERT": "/c.pem"}, "TB_TLS_CERT"},
		{"размер загрузки", map[string]string{"TB_MAX_UPLOAD_SIZE": "0"}, "TB_MAX_UPLOAD_SIZE"},
		{"размер кэша", map[string]string{"TB_STATUS_CACHE_SIZE": "0"}, "TB_STATUS_CACHE_SIZE"},
		{"режим развёртывания", map[string]string{"TB_REPLICA_MODE": "cluster"}, "TB_REPLICA_MODE"},
		{"skip verify", map[string]string{"TB_TLS_SKIP_VERIFY": "да"}, "TB_TLS_SKIP_VERIFY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := map[string]string{"TB_CONF_DIR": t.TempDir()}
			for k, v := range tt.vars {
				vars[k] = v
			}
			clearEnv(t, vars)

			_, err := Load()
			if err == nil {
				t.Fatal("ожидалась ошибка")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ошибка должна упоминать %s, получено: %v", tt.want, err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if err != nil {
			t.Errorf("parseLogLevel(%q): неожиданная ошибка: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseLogLevel(%q): хотели %v, получили %v", tt.in, tt.want, got)
		}
	}
}

func TestEnsureConfDir_Bootstrap(t *testing.T) {
	confDir := filepath.Join(t.TempDir(), ".timebags")

	if err := EnsureConfDir(confDir); err != nil {
		t.Fatalf("EnsureConfDir: %v", err)
	}

	list, err := LoadAuthorities(confDir)
	if err != nil {
		t.Fatalf("LoadAuthorities: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ожидалась одна TSA по умолчанию, получено %d", len(list))
	}

	a := list[0]
	if a.URL != "https://freetsa.org/tsr" {
		t.Errorf("URL: получено %q", a.URL)
	}
	if a.HashName != "sha256" || a.Timeout != 10 || !a.IncludeTSACert {
		t.Errorf("параметры FreeTSA: %+v", a)
	}
	if a.CACert != nil || a.Username != nil || a.Password != nil {
		t.Error("null-поля должны разбираться в nil")
	}
	if a.TSACert == nil || *a.TSACert != filepath.Join(TSADir(confDir), "freetsa.pem") {
		t.Errorf("TSACert: ожидался абсолютный путь к freetsa.pem, получено %v", a.TSACert)
	}
	if a.TimeoutDuration() != 10*time.Second {
		t.Errorf("TimeoutDuration(): получено %v", a.TimeoutDuration())
	}

	pem, err := os.ReadFile(*a.TSACert)
	if err != nil {
		t.Fatalf("freetsa.pem не создан: %v", err)
	}
	if !strings.HasPrefix(string(pem), "-----BEGIN CERTIFICATE-----") {
		t.Error("freetsa.pem не похож на PEM-сертификат")
	}
}

func TestEnsureConfDir_KeepsUserConfig(t *testing.T) {
	confDir := t.TempDir()
	if err := os.MkdirAll(TSADir(confDir), 0o700); err != nil {
		t.Fatalf("ошибка создания каталога: %v", err)
	}
	custom := "- url: https://tsa.example/tsr\n  hashname: SHA512\n  tsacrt: /etc/tsa.pem\n"
	if err := os.WriteFile(TSAConfigPath(confDir), []byte(custom), 0o600); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	if err := EnsureConfDir(confDir); err != nil {
		t.Fatalf("EnsureConfDir: %v", err)
	}

	list, err := LoadAuthorities(confDir)
	if err != nil {
		t.Fatalf("LoadAuthorities: %v", err)
	}
	if len(list) != 1 || list[0].URL != "https://tsa.example/tsr" {
		t.Fatalf("пользовательский tsa.yaml перезаписан: %+v", list)
	}
	if list[0].HashName != "sha512" || list[0].Timeout != 10 {
		t.Errorf("значения по умолчанию: %+v", list[0])
	}
	if *list[0].TSACert != "/etc/tsa.pem" {
		t.Errorf("абсолютный путь изменён: %s", *list[0].TSACert)
	}
}

func TestLoadAuthorities_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"пустой список", "[]\n"},
		{"пустой url", "- url: \"\"\n"},
		{"неизвестный хеш", "- url: https://tsa.example\n  hashname: md5\n"},
		{"не yaml", "- url: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			confDir := t.TempDir()
			if err := os.MkdirAll(TSADir(confDir), 0o700); err != nil {
				t.Fatalf("ошибка создания каталога: %v", err)
			}
			if err := os.WriteFile(TSAConfigPath(confDir), []byte(tt.yaml), 0o600); err != nil {
				t.Fatalf("ошибка записи: %v", err)
			}
			if _, err := LoadAuthorities(confDir); err == nil {
				t.Error("ожидалась ошибка")
			}
		})
	}
}

func TestLoad_ReportsAllErrors(t *testing.T) {
	clearEnv(t, map[string]string{
		"TB_CONF_DIR":         t.TempDir(),
		"TB_PORT":             "0",
		"TB_LOG_FORMAT":       "xml",
		"TB_SHUTDOWN_TIMEOUT": "скоро",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}
	for _, key := range []string{"TB_PORT", "TB_LOG_FORMAT", "TB_SHUTDOWN_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("ошибка должна упоминать %s: %v", key, err)
		}
	}
}
