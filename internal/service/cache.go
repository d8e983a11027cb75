// cache.go — LRU-кэш снимков статуса контейнеров с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TimeBags/timebags/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_status_cache_hits_total",
		Help: "Общее количество попаданий в кэш статусов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tb_status_cache_misses_total",
		Help: "Общее количество промахов кэша статусов.",
	})
)

// StatusCache — кэш статусов по имени контейнера.
// Снимок выводится офлайн из архива, кэш лишь избавляет от
// повторного разбора между шагами.
type StatusCache struct {
	cache *expirable.LRU[string, *model.Status]
}

// NewStatusCache создаёт кэш на maxSize записей с временем жизни ttl.
func NewStatusCache(maxSize int, ttl time.Duration) *StatusCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &StatusCache{cache: expirable.NewLRU[string, *model.Status](maxSize, nil, ttl)}
}

// Get возвращает статус из кэша.
func (c *StatusCache) Get(name string) (*model.Status, bool) {
	st, ok := c.cache.Get(name)
	if ok {
		cacheHitsTotal.Inc()
		return st, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет статус.
func (c *StatusCache) Set(name string, st *model.Status) {
	c.cache.Add(name, st)
}

// Invalidate удаляет статус (после шага или удаления контейнера).
func (c *StatusCache) Invalidate(name string) {
	c.cache.Remove(name)
}

// Len возвращает количество записей.
func (c *StatusCache) Len() int {
	return c.cache.Len()
}
