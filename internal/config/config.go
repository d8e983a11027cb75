// Пакет config — загрузка и валидация конфигурации TimeBags
// из переменных окружения и пользовательского каталога настроек.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// DefaultCalendars — календари OpenTimestamps по умолчанию.
var DefaultCalendars = []string{
	"https://a.pool.opentimestamps.org",
	"https://b.pool.opentimestamps.org",
	"https://a.pool.eternitywall.com",
	"https://ots.btc.catallaxy.com",
}

// Config содержит все параметры конфигурации TimeBags.
type Config struct {
	// Порт HTTP-сервера (режим serve)
	Port int
	// Каталог контейнеров
	DataDir string
	// Каталог журнала перезаписи архивов
	WALDir string
	// Каталог входящих загрузок API
	InboxDir string
	// Пользовательский каталог настроек (~/.timebags)
	ConfDir string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал планировщика обновления аттестаций
	UpgradeInterval time.Duration
	// Число контейнеров, обрабатываемых параллельно
	UpgradeWorkers int
	// Интервал сверки реестра с каталогом данных
	ReconcileInterval time.Duration

	// URL календарей OpenTimestamps
	OTSCalendars []string
	// Минимум ответов календарей для успешного штампа
	OTSMinResponses int
	// Таймаут ожидания кворума календарей
	OTSTimeout time.Duration
	// Таймаут одного обновления аттестации
	OTSUpgradeTimeout time.Duration
	// Запросов к календарям в секунду
	OTSRate float64
	// Общий таймаут получения RFC 3161 токена (все TSA по очереди)
	TSATimeout time.Duration

	// URL JWKS endpoint (пусто — API без аутентификации)
	JWKSUrl string
	// Путь к CA-сертификату для проверки TLS JWKS endpoint (опционально)
	JWKSCACert string
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Путь к TLS сертификату (пусто — plain HTTP)
	TLSCert string
	// Путь к TLS приватному ключу
	TLSKey string

	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64
	// Время жизни снимка статуса в кэше API
	StatusCacheTTL time.Duration
	// Размер кэша снимков статуса
	StatusCacheSize int

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Идентификатор экземпляра (метка name в topologymetrics)
	InstanceID string

	// Режим развёртывания: standalone или replicated (общий каталог данных)
	ReplicaMode string
	// Интервал перечитывания реестра на follower
	IndexRefreshInterval time.Duration
	// Адрес экземпляра для follower (host:port), публикуется leader
	AdvertiseAddr string
	// Не проверять TLS-сертификаты JWKS и leader (тестовые стенды)
	TLSSkipVerify bool

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Replicated возвращает true, если экземпляры делят каталог данных.
func (c *Config) Replicated() bool {
	return c.ReplicaMode == "replicated"
}

// Load читает переменные TB_*. Обязательных нет: CLI работает с
// настройками по умолчанию. Все ошибки значений собираются в одну.
func Load() (*Config, error) {
	e := &env{}
	cfg := &Config{}

	cfg.Port = e.intIn("TB_PORT", 8020, 1, 65535)
	cfg.DataDir = e.str("TB_DATA_DIR", "./timebags-data")
	cfg.WALDir = e.str("TB_WAL_DIR", filepath.Join(cfg.DataDir, ".wal"))
	cfg.InboxDir = e.str("TB_INBOX_DIR", filepath.Join(cfg.DataDir, ".inbox"))
	cfg.ConfDir = os.Getenv("TB_CONF_DIR")
	if cfg.ConfDir == "" {
		dir, err := DefaultConfDir()
		e.check("TB_CONF_DIR", err)
		cfg.ConfDir = dir
	}

	level, err := parseLogLevel(e.str("TB_LOG_LEVEL", "info"))
	e.check("TB_LOG_LEVEL", err)
	cfg.LogLevel = level
	cfg.LogFormat = e.oneOf("TB_LOG_FORMAT", "json", "text")

	cfg.UpgradeInterval = e.dur("TB_UPGRADE_INTERVAL", time.Hour)
	cfg.UpgradeWorkers = e.intIn("TB_UPGRADE_WORKERS", 4, 1, math.MaxInt)
	cfg.ReconcileInterval = e.dur("TB_RECONCILE_INTERVAL", 10*time.Minute)

	cfg.OTSCalendars = e.list("TB_OTS_CALENDARS", DefaultCalendars)
	cfg.OTSMinResponses = e.intIn("TB_OTS_MIN_RESPONSES", 2, 1, max(len(cfg.OTSCalendars), 1))
	cfg.OTSTimeout = e.dur("TB_OTS_TIMEOUT", 10*time.Second)
	cfg.OTSUpgradeTimeout = e.dur("TB_OTS_UPGRADE_TIMEOUT", 30*time.Second)
	cfg.OTSRate = e.positiveFloat("TB_OTS_RATE", 5)
	cfg.TSATimeout = e.dur("TB_TSA_TIMEOUT", 30*time.Second)

	cfg.JWKSUrl = e.str("TB_JWKS_URL", "")
	cfg.JWKSCACert = e.str("TB_JWKS_CA_CERT", "")
	cfg.JWKSRefreshInterval = e.dur("TB_JWKS_REFRESH_INTERVAL", 15*time.Second)
	cfg.JWTLeeway = e.dur("TB_JWT_LEEWAY", 5*time.Second)
	cfg.TLSCert = e.str("TB_TLS_CERT", "")
	cfg.TLSKey = e.str("TB_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		e.check("TB_TLS_CERT, TB_TLS_KEY", errors.New("задаются только вместе"))
	}
	cfg.TLSSkipVerify = e.boolean("TB_TLS_SKIP_VERIFY", false)

	cfg.MaxUploadSize = e.int64Min("TB_MAX_UPLOAD_SIZE", 1<<30, 1)
	cfg.StatusCacheTTL = e.dur("TB_STATUS_CACHE_TTL", 30*time.Second)
	cfg.StatusCacheSize = e.intIn("TB_STATUS_CACHE_SIZE", 1000, 1, math.MaxInt)

	cfg.DephealthCheckInterval = e.dur("TB_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	cfg.DephealthGroup = e.str("TB_DEPHEALTH_GROUP", "timebags")
	cfg.InstanceID = e.str("TB_INSTANCE_ID", hostname("timebags"))

	cfg.ReplicaMode = e.oneOf("TB_REPLICA_MODE", "standalone", "replicated")
	cfg.IndexRefreshInterval = e.dur("TB_INDEX_REFRESH_INTERVAL", 30*time.Second)
	cfg.AdvertiseAddr = e.str("TB_ADVERTISE_ADDR", net.JoinHostPort(hostname("localhost"), strconv.Itoa(cfg.Port)))

	cfg.ShutdownTimeout = e.dur("TB_SHUTDOWN_TIMEOUT", 5*time.Second)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hostname(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}

// TLSEnabled возвращает true, если сервер должен слушать HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
// Логи пишутся в stderr: stdout CLI занят JSON-снимком статуса.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// DefaultConfDir возвращает ~/.timebags.
func DefaultConfDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("домашний каталог не определён: %w", err)
	}
	return filepath.Join(home, ".timebags"), nil
}

// env читает переменные окружения и копит ошибки разбора.
// Пустая переменная равна отсутствующей.
type env struct {
	errs []error
}

func (e *env) check(key string, err error) {
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
	}
}

func (e *env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// oneOf: первое из allowed — значение по умолчанию.
func (e *env) oneOf(key string, allowed ...string) string {
	v := e.str(key, allowed[0])
	if !slices.Contains(allowed, v) {
		e.check(key, fmt.Errorf("недопустимое значение %q, допустимые: %s", v, strings.Join(allowed, ", ")))
	}
	return v
}

func (e *env) intIn(key string, def, lo, hi int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	switch {
	case err != nil:
		e.check(key, fmt.Errorf("некорректное целое число: %q", v))
	case n < lo || n > hi:
		e.check(key, fmt.Errorf("значение %d вне диапазона %d-%d", n, lo, hi))
	}
	return n
}

func (e *env) int64Min(key string, def, lo int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	switch {
	case err != nil:
		e.check(key, fmt.Errorf("некорректное целое число: %q", v))
	case n < lo:
		e.check(key, fmt.Errorf("значение должно быть не меньше %d", lo))
	}
	return n
}

func (e *env) positiveFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	switch {
	case err != nil:
		e.check(key, fmt.Errorf("некорректное число: %q", v))
	case f <= 0:
		e.check(key, errors.New("значение должно быть положительным"))
	}
	return f
}

func (e *env) dur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.check(key, fmt.Errorf("некорректная длительность %q, формат Go: 30s, 1h", v))
	}
	return d
}

func (e *env) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.check(key, fmt.Errorf("некорректное булево значение: %q", v))
	}
	return b
}

// list разбирает список через запятую без пустых элементов.
func (e *env) list(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return slices.Clone(def)
	}
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
