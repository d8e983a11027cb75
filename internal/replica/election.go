package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"

	"github.com/TimeBags/timebags/internal/storage/atomicfile"
)

// Файлы выбора в корне каталога данных. Имена с точкой: сканер
// контейнеров их не видит.
const (
	lockName = ".leader.lock"
	infoName = ".leader.info"
)

var leaderGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tb_replica_leader",
	Help: "1, если экземпляр пишет в каталог данных",
})

// MarkStandalone выставляет метрику роли для экземпляра без выборов.
func MarkStandalone() {
	leaderGauge.Set(1)
}

// dirLock — неблокирующий flock на файле в общем каталоге.
// Ядро снимает его при завершении процесса.
type dirLock struct {
	path string
	f    *os.File
}

// try возвращает false без ошибки, если файл заблокирован другим процессом.
func (l *dirLock) try() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("открытие %s: %w", l.path, err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.f = f
	return true, nil
}

func (l *dirLock) release() bool {
	if l.f == nil {
		return false
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
	return true
}

// ElectionConfig — параметры выбора leader.
type ElectionConfig struct {
	DataDir string
	// Addr — host:port, по которому follower передают запись
	Addr string
	// RetryInterval — период попыток follower, по умолчанию 5s
	RetryInterval time.Duration
	// OnLeader вызывается один раз, при получении роли
	OnLeader func()
	// OnFollower вызывается из Start, если каталог занят
	OnFollower func()
}

type view struct {
	role   Role
	leader string
}

// Election выбирает единственного писателя каталога данных через flock.
// Захвативший блокировку пишет свой адрес в .leader.info; остальные
// читают оттуда адрес для прокси и повторяют захват. Leader держит
// роль до Stop или завершения процесса.
type Election struct {
	cfg    ElectionConfig
	logger *slog.Logger
	cur    atomic.Pointer[view]

	lockMu sync.Mutex
	lock   dirLock

	quit     chan struct{}
	quitOnce sync.Once
	loopDone chan struct{}
}

// NewElection создаёт выбор. До Start экземпляр считается follower
// без известного leader.
func NewElection(cfg ElectionConfig, logger *slog.Logger) *Election {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	e := &Election{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "election")),
		lock:     dirLock{path: filepath.Join(cfg.DataDir, lockName)},
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	e.cur.Store(&view{role: RoleFollower})
	return e
}

// Start делает первую попытку захвата. Проигравший остаётся follower
// и продолжает попытки в фоне.
func (e *Election) Start() error {
	won, err := e.acquire()
	if err != nil {
		close(e.loopDone)
		return fmt.Errorf("выбор leader: %w", err)
	}
	if won {
		close(e.loopDone)
		e.lead()
		return nil
	}

	leader := e.readInfo()
	e.cur.Store(&view{role: RoleFollower, leader: leader})
	leaderGauge.Set(0)
	e.logger.Info("Роль: FOLLOWER", slog.String("leader_addr", leader))
	if e.cfg.OnFollower != nil {
		e.cfg.OnFollower()
	}
	go e.contend()
	return nil
}

// Stop прекращает попытки и отпускает каталог. Только после Start.
func (e *Election) Stop() {
	e.quitOnce.Do(func() { close(e.quit) })
	<-e.loopDone

	e.lockMu.Lock()
	released := e.lock.release()
	e.lockMu.Unlock()
	if released {
		e.logger.Info("Блокировка каталога данных снята")
	}
}

func (e *Election) CurrentRole() Role  { return e.cur.Load().role }
func (e *Election) IsLeader() bool     { return e.cur.Load().role == RoleLeader }
func (e *Election) LeaderAddr() string { return e.cur.Load().leader }

func (e *Election) acquire() (bool, error) {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	return e.lock.try()
}

func (e *Election) lead() {
	e.cur.Store(&view{role: RoleLeader, leader: e.cfg.Addr})
	leaderGauge.Set(1)

	if err := atomicfile.Write(filepath.Join(e.cfg.DataDir, infoName), []byte(e.cfg.Addr), 0o640); err != nil {
		e.logger.Error("Адрес leader не записан", slog.String("error", err.Error()))
	}
	e.logger.Info("Роль: LEADER", slog.String("addr", e.cfg.Addr))

	if e.cfg.OnLeader != nil {
		e.cfg.OnLeader()
	}
}

// track обновляет адрес leader, известный follower.
func (e *Election) track(leader string) {
	if prev := e.cur.Swap(&view{role: RoleFollower, leader: leader}); prev.leader != leader {
		e.logger.Info("Сменился leader", slog.String("leader_addr", leader))
	}
}

func (e *Election) contend() {
	defer close(e.loopDone)

	t := time.NewTicker(e.cfg.RetryInterval)
	defer t.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-t.C:
		}

		won, err := e.acquire()
		switch {
		case err != nil:
			e.logger.Warn("Повторный захват не удался", slog.String("error", err.Error()))
		case won:
			e.lead()
			return
		default:
			e.track(e.readInfo())
		}
	}
}

// readInfo — адрес из .leader.info или пустая строка.
func (e *Election) readInfo() string {
	data, err := os.ReadFile(filepath.Join(e.cfg.DataDir, infoName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

var _ RoleProvider = (*Election)(nil)
