// Package ots — доказательства OpenTimestamps: формат .ots, штамповка
// через календари с кворумом и апгрейд ожидающих аттестаций.
package ots

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultWhitelist — шаблоны хостов календарей, к которым разрешён апгрейд.
var DefaultWhitelist = []string{
	"*.calendar.opentimestamps.org",
	"*.calendar.eternitywall.com",
	"*.calendar.catallaxy.com",
}

// nonceSize — длина случайной соли перед merkle-деревом.
const nonceSize = 16

// Config — параметры клиента календарей.
type Config struct {
	// Calendars — URL календарей для штамповки
	Calendars []string
	// MinResponses — сколько ответов нужно для успеха
	MinResponses int
	// Timeout — общее время ожидания ответов при штамповке
	Timeout time.Duration
	// UpgradeTimeout — таймаут одного запроса апгрейда
	UpgradeTimeout time.Duration
	// Rate — запросов в секунду ко всем календарям вместе
	Rate float64
	UserAgent string
	// Whitelist — шаблоны хостов, к которым разрешён апгрейд (path.Match)
	Whitelist []string
	// HTTPClient — необязательный клиент; по умолчанию http.Client без таймаута
	HTTPClient *http.Client
}

// Client штампует файлы и обновляет доказательства.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient создаёт клиента.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.MinResponses <= 0 {
		cfg.MinResponses = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UpgradeTimeout <= 0 {
		cfg.UpgradeTimeout = 30 * time.Second
	}
	if cfg.Whitelist == nil {
		cfg.Whitelist = DefaultWhitelist
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), len(cfg.Calendars)+1)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "ots")),
	}
}

// Calendars возвращает URL календарей штамповки.
func (c *Client) Calendars() []string {
	return c.cfg.Calendars
}

// StampItem — файл для штамповки.
type StampItem struct {
	Name string
	Data []byte
}

// Stamp создаёт доказательства для всех items одним обращением к календарям.
// Каждый файл хешируется, солится случайным nonce и попадает в общее
// merkle-дерево; вершина отправляется во все календари параллельно.
// Успех требует MinResponses ответов за Timeout.
// Возвращает сериализованные .ots по имени файла.
func (c *Client) Stamp(ctx context.Context, items []StampItem) (map[string][]byte, error) {
	if len(items) == 0 {
		return nil, errors.New("нет файлов для штамповки")
	}
	if len(c.cfg.Calendars) < c.cfg.MinResponses {
		return nil, fmt.Errorf("календарей %d меньше требуемых ответов %d", len(c.cfg.Calendars), c.cfg.MinResponses)
	}

	files := make([]*DetachedFile, len(items))
	leaves := make([]*Timestamp, len(items))
	for i, item := range items {
		f, err := NewDetachedFile(item.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", item.Name, err)
		}
		nonce := make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("генерация nonce: %w", err)
		}
		salted, err := f.Timestamp.Add(OpAppend(nonce))
		if err != nil {
			return nil, err
		}
		leaf, err := salted.Add(OpSHA256())
		if err != nil {
			return nil, err
		}
		files[i] = f
		leaves[i] = leaf
	}

	tip, err := MerkleTree(leaves)
	if err != nil {
		return nil, err
	}

	merged, err := c.submitAll(ctx, tip)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Файлы заштампованы",
		slog.Int("files", len(items)),
		slog.Int("responses", merged),
	)

	out := make(map[string][]byte, len(items))
	for i, item := range items {
		data, err := files[i].Serialize()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", item.Name, err)
		}
		out[item.Name] = data
	}
	return out, nil
}

type submitResult struct {
	url   string
	stamp *Timestamp
	err   error
}

// submitAll отправляет вершину во все календари и ждёт либо все ответы,
// либо истечения Timeout. Возвращает число влитых ответов.
func (c *Client) submitAll(ctx context.Context, tip *Timestamp) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	results := make(chan submitResult, len(c.cfg.Calendars))
	for _, u := range c.cfg.Calendars {
		cal := newCalendar(u, c.http, c.limiter, c.cfg.UserAgent)
		go func() {
			stamp, err := cal.submit(ctx, tip.Msg)
			results <- submitResult{url: u, stamp: stamp, err: err}
		}()
	}

	merged := 0
	var errs []error
wait:
	for range c.cfg.Calendars {
		select {
		case r := <-results:
			if r.err != nil {
				c.logger.Warn("Календарь не принял дайджест",
					slog.String("calendar", r.url),
					slog.String("error", r.err.Error()),
				)
				errs = append(errs, r.err)
				continue
			}
			if err := tip.Merge(r.stamp); err != nil {
				c.logger.Warn("Ответ календаря не объединён",
					slog.String("calendar", r.url),
					slog.String("error", err.Error()),
				)
				errs = append(errs, err)
				continue
			}
			merged++
		case <-ctx.Done():
			break wait
		}
	}

	if merged < c.cfg.MinResponses {
		return merged, fmt.Errorf("%w: получено %d ответов из требуемых %d: %w",
			ErrCalendar, merged, c.cfg.MinResponses, errors.Join(errs...))
	}
	return merged, nil
}

// UpgradeResult — итог апгрейда одного доказательства.
type UpgradeResult struct {
	// Proof — сериализованное доказательство (новое, если Changed)
	Proof   []byte
	Changed bool
	Info    *ProofInfo
}

// upgradeFetch — запрос продолжения для одной ожидающей аттестации.
type upgradeFetch struct {
	node  *Timestamp
	uri   string
	stamp *Timestamp
	err   error
}

// Upgrade запрашивает у календарей продолжение для каждой ожидающей
// аттестации и вливает полученные поддеревья. Календари опрашиваются
// параллельно, каждый со своим UpgradeTimeout. Завершённое доказательство
// возвращается без изменений. Ответ 404 означает, что блока ещё нет.
// Ошибка возвращается, если доказательство не разобрано или все
// обращения к календарям завершились сетевой ошибкой.
func (c *Client) Upgrade(ctx context.Context, proof []byte) (*UpgradeResult, error) {
	f, err := ParseDetached(proof)
	if err != nil {
		return nil, err
	}
	if f.Timestamp.IsComplete() {
		return &UpgradeResult{Proof: proof, Info: infoOf(f.Timestamp)}, nil
	}

	var fetches []*upgradeFetch
	for _, node := range f.Timestamp.directlyVerified() {
		for _, a := range node.Attestations {
			if !a.IsPending() {
				continue
			}
			if !c.allowed(a.URI) {
				c.logger.Warn("Календарь не в белом списке, апгрейд пропущен",
					slog.String("calendar", a.URI),
				)
				continue
			}
			fetches = append(fetches, &upgradeFetch{node: node, uri: a.URI})
		}
	}

	var wg sync.WaitGroup
	for _, uf := range fetches {
		wg.Go(func() {
			uf.stamp, uf.err = c.fetch(ctx, uf.uri, uf.node.Msg)
		})
	}
	wg.Wait()

	// Слияние последовательно, в порядке аттестаций
	changed := false
	failed := 0
	var errs []error
	existing := make(map[*Timestamp]map[string]bool)
	for _, uf := range fetches {
		switch {
		case errors.Is(uf.err, ErrCommitmentNotFound):
			c.logger.Debug("Апгрейд пока недоступен", slog.String("calendar", uf.uri))
			continue
		case uf.err != nil:
			failed++
			errs = append(errs, uf.err)
			c.logger.Warn("Ошибка обращения к календарю",
				slog.String("calendar", uf.uri),
				slog.String("error", uf.err.Error()),
			)
			continue
		}

		seen, ok := existing[uf.node]
		if !ok {
			seen = make(map[string]bool)
			for _, ma := range uf.node.AllAttestations() {
				seen[ma.Attestation.key()] = true
			}
			existing[uf.node] = seen
		}
		fresh := false
		for _, ma := range uf.stamp.AllAttestations() {
			if !seen[ma.Attestation.key()] {
				fresh = true
				break
			}
		}
		if !fresh {
			continue
		}
		if err := uf.node.Merge(uf.stamp); err != nil {
			return nil, fmt.Errorf("объединение ответа %s: %w", uf.uri, err)
		}
		changed = true
		for _, ma := range uf.stamp.AllAttestations() {
			seen[ma.Attestation.key()] = true
		}
	}

	if len(fetches) > 0 && failed == len(fetches) {
		return nil, fmt.Errorf("%w: все календари недоступны: %w", ErrCalendar, errors.Join(errs...))
	}

	result := &UpgradeResult{Proof: proof, Changed: changed, Info: infoOf(f.Timestamp)}
	if changed {
		data, err := f.Serialize()
		if err != nil {
			return nil, err
		}
		result.Proof = data
	}
	return result, nil
}

func (c *Client) fetch(ctx context.Context, uri string, commitment []byte) (*Timestamp, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpgradeTimeout)
	defer cancel()
	return newCalendar(uri, c.http, c.limiter, c.cfg.UserAgent).get(ctx, commitment)
}

// allowed разрешает календари штамповки и хосты из белого списка.
func (c *Client) allowed(uri string) bool {
	trimmed := strings.TrimRight(uri, "/")
	for _, u := range c.cfg.Calendars {
		if strings.TrimRight(u, "/") == trimmed {
			return true
		}
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme != "https" {
		return false
	}
	for _, pattern := range c.cfg.Whitelist {
		if ok, _ := path.Match(pattern, parsed.Hostname()); ok {
			return true
		}
	}
	return false
}

// Info — офлайн-сводка доказательства (см. пакетную функцию Info).
func (c *Client) Info(proof []byte) (*ProofInfo, error) {
	return Info(proof)
}
