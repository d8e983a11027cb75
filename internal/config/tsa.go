package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// freeTSACert — сертификат FreeTSA, записывается при первом запуске.
//
//go:embed freetsa.pem
var freeTSACert []byte

// defaultTSAYAML — список TSA по умолчанию.
const defaultTSAYAML = `- # Free TSA
  url: https://freetsa.org/tsr
  tsacrt: freetsa.pem
  cacrt: null
  username: null
  password: null
  timeout: 10
  hashname: sha256
  include_tsa_cert: true

#- # Comodo TSA
#  url: http://timestamp.comodoca.com/rfc3161
#  tsacrt: comodotsa.pem
#  cacrt: null
#  username: null
#  password: null
#  timeout: 10
#  hashname: sha256
#  include_tsa_cert: false
`

const (
	tsaDirName      = "tsa"
	tsaYAMLName     = "tsa.yaml"
	freeTSACertName = "freetsa.pem"
)

// AuthorityConfig — одна запись tsa.yaml.
// null в YAML соответствует nil-указателю.
type AuthorityConfig struct {
	// URL сервиса RFC 3161
	URL string `yaml:"url"`
	// Сертификат TSA (путь относительно каталога tsa/ или абсолютный)
	TSACert *string `yaml:"tsacrt"`
	// CA-сертификат для TLS-соединения с TSA
	CACert *string `yaml:"cacrt"`
	// Basic auth
	Username *string `yaml:"username"`
	Password *string `yaml:"password"`
	// Таймаут запроса в секундах
	Timeout int `yaml:"timeout"`
	// Хеш-алгоритм запроса: sha1, sha256, sha384, sha512
	HashName string `yaml:"hashname"`
	// Просить TSA вложить свой сертификат в токен
	IncludeTSACert bool `yaml:"include_tsa_cert"`
}

// TimeoutDuration возвращает таймаут запроса.
func (a AuthorityConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// TSADir возвращает каталог настроек TSA.
func TSADir(confDir string) string {
	return filepath.Join(confDir, tsaDirName)
}

// TSAConfigPath возвращает путь к tsa.yaml.
func TSAConfigPath(confDir string) string {
	return filepath.Join(TSADir(confDir), tsaYAMLName)
}

// EnsureConfDir создаёт каталог настроек при первом запуске:
// tsa/tsa.yaml с FreeTSA и tsa/freetsa.pem. Существующие файлы
// не перезаписываются.
func EnsureConfDir(confDir string) error {
	if err := os.MkdirAll(TSADir(confDir), 0o700); err != nil {
		return fmt.Errorf("ошибка создания каталога настроек %s: %w", confDir, err)
	}

	info, err := os.Stat(confDir)
	if err != nil {
		return fmt.Errorf("ошибка stat %s: %w", confDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("каталог настроек %s не является директорией", confDir)
	}

	if err := writeIfAbsent(TSAConfigPath(confDir), []byte(defaultTSAYAML)); err != nil {
		return err
	}
	return writeIfAbsent(filepath.Join(TSADir(confDir), freeTSACertName), freeTSACert)
}

// writeIfAbsent эксклюзивно создаёт файл; существующий файл не трогается.
func writeIfAbsent(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка создания %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("ошибка записи %s: %w", path, err)
	}
	return f.Close()
}

// LoadAuthorities читает tsa.yaml, проверяет записи, подставляет
// значения по умолчанию и разрешает относительные пути сертификатов
// от каталога tsa/.
func LoadAuthorities(confDir string) ([]AuthorityConfig, error) {
	path := TSAConfigPath(confDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}

	var list []AuthorityConfig
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("ошибка разбора %s: %w", path, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%s: не задано ни одного TSA", path)
	}

	dir := TSADir(confDir)
	for i := range list {
		a := &list[i]
		if strings.TrimSpace(a.URL) == "" {
			return nil, fmt.Errorf("%s: запись %d: пустой url", path, i+1)
		}
		if a.Timeout <= 0 {
			a.Timeout = 10
		}
		if a.HashName == "" {
			a.HashName = "sha256"
		}
		switch strings.ToLower(a.HashName) {
		case "sha1", "sha256", "sha384", "sha512":
			a.HashName = strings.ToLower(a.HashName)
		default:
			return nil, fmt.Errorf("%s: запись %d: неподдерживаемый hashname %q", path, i+1, a.HashName)
		}
		a.TSACert = resolvePath(dir, a.TSACert)
		a.CACert = resolvePath(dir, a.CACert)
	}
	return list, nil
}

// resolvePath делает относительный путь абсолютным от dir.
func resolvePath(dir string, p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	if filepath.IsAbs(*p) {
		return p
	}
	abs := filepath.Join(dir, *p)
	return &abs
}
