// refresh.go — перечитывание реестра на follower.
//
// Leader обновляет attr.json при каждом шаге, follower видит только
// файлы. FollowerRefresh периодически перестраивает реестр из каталога,
// чтобы список и метрики follower не отставали от leader.
package replica

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TimeBags/timebags/internal/storage/index"
)

// FollowerRefresh — фоновое перечитывание реестра.
type FollowerRefresh struct {
	idx       *index.Index
	dataDir   string
	interval  time.Duration
	onRefresh func()
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFollowerRefresh создаёт сервис. onRefresh вызывается после
// каждого успешного перечитывания и может быть nil.
func NewFollowerRefresh(
	idx *index.Index,
	dataDir string,
	interval time.Duration,
	onRefresh func(),
	logger *slog.Logger,
) *FollowerRefresh {
	return &FollowerRefresh{
		idx:       idx,
		dataDir:   dataDir,
		interval:  interval,
		onRefresh: onRefresh,
		logger:    logger.With(slog.String("component", "follower_refresh")),
	}
}

// Start запускает фоновую горутину. Повторный вызов без Stop игнорируется.
func (s *FollowerRefresh) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(refreshCtx, s.done)

	s.logger.Info("Перечитывание реестра запущено",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает горутину и дожидается её завершения.
func (s *FollowerRefresh) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Перечитывание реестра остановлено")
}

func (s *FollowerRefresh) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Refresh перестраивает реестр один раз.
func (s *FollowerRefresh) Refresh() {
	if err := s.idx.BuildFromDir(s.dataDir); err != nil {
		s.logger.Error("Ошибка перечитывания реестра", slog.String("error", err.Error()))
		return
	}
	if s.onRefresh != nil {
		s.onRefresh()
	}
}
