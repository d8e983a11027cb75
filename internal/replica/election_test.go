package replica

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TimeBags/timebags/internal/storage/atomicfile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startElection(t *testing.T, cfg ElectionConfig) *Election {
	t.Helper()
	e := NewElection(cfg, testLogger())
	if err := e.Start(); err != nil {
		t.Fatalf("Start %s: %v", cfg.Addr, err)
	}
	return e
}

// eventually ждёт выполнения cond до двух секунд.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("не дождались: %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestElection_FirstInstanceLeads(t *testing.T) {
	dir := t.TempDir()
	var led int
	e := startElection(t, ElectionConfig{DataDir: dir, Addr: "tb-0:8020", OnLeader: func() { led++ }})
	defer e.Stop()

	if led != 1 {
		t.Errorf("OnLeader вызван %d раз", led)
	}
	if e.CurrentRole() != RoleLeader || !e.IsLeader() || e.LeaderAddr() != "tb-0:8020" {
		t.Errorf("неожиданное состояние: %s %q", e.CurrentRole(), e.LeaderAddr())
	}
	data, err := os.ReadFile(filepath.Join(dir, infoName))
	if err != nil || string(data) != "tb-0:8020" {
		t.Errorf("адрес leader в файле: %q, %v", data, err)
	}
}

func TestElection_SecondInstanceFollows(t *testing.T) {
	dir := t.TempDir()
	leader := startElection(t, ElectionConfig{DataDir: dir, Addr: "tb-0:8020"})
	defer leader.Stop()

	var followed bool
	f := startElection(t, ElectionConfig{
		DataDir:    dir,
		Addr:       "tb-1:8020",
		OnLeader:   func() { t.Error("второй экземпляр не должен стать leader") },
		OnFollower: func() { followed = true },
	})
	defer f.Stop()

	if !followed || f.IsLeader() || f.CurrentRole() != RoleFollower {
		t.Errorf("ожидался follower, получено %s", f.CurrentRole())
	}
	if f.LeaderAddr() != "tb-0:8020" {
		t.Errorf("follower должен знать адрес leader, получено %q", f.LeaderAddr())
	}
}

func TestElection_FollowerTakesOver(t *testing.T) {
	dir := t.TempDir()
	leader := startElection(t, ElectionConfig{DataDir: dir, Addr: "tb-0:8020"})

	promoted := make(chan struct{})
	f := startElection(t, ElectionConfig{
		DataDir:       dir,
		Addr:          "tb-1:8020",
		RetryInterval: 20 * time.Millisecond,
		OnLeader:      func() { close(promoted) },
	})
	defer f.Stop()

	leader.Stop()
	select {
	case <-promoted:
	case <-time.After(5 * time.Second):
		t.Fatal("follower не стал leader за 5 секунд")
	}
	if f.LeaderAddr() != "tb-1:8020" {
		t.Errorf("LeaderAddr() = %q", f.LeaderAddr())
	}
}

func TestElection_FollowerTracksLeaderInfo(t *testing.T) {
	dir := t.TempDir()
	leader := startElection(t, ElectionConfig{DataDir: dir, Addr: "tb-0:8020"})
	defer leader.Stop()

	f := startElection(t, ElectionConfig{DataDir: dir, Addr: "tb-2:8020", RetryInterval: 20 * time.Millisecond})
	defer f.Stop()

	// Адрес leader сменился, например после перезапуска пода
	if err := atomicfile.Write(filepath.Join(dir, infoName), []byte("tb-0.new:8020\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	eventually(t, "новый адрес leader", func() bool { return f.LeaderAddr() == "tb-0.new:8020" })
	if f.IsLeader() {
		t.Error("follower не должен стать leader при занятом каталоге")
	}
}

func TestElection_StopIdleFollower(t *testing.T) {
	dir := t.TempDir()
	leader := startElection(t, ElectionConfig{DataDir: dir, Addr: "tb-0:8020"})
	defer leader.Stop()

	f := startElection(t, ElectionConfig{DataDir: dir, Addr: "tb-1:8020", RetryInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		f.Stop()
		f.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop follower завис")
	}
}

func TestElection_MissingDataDir(t *testing.T) {
	e := NewElection(ElectionConfig{DataDir: filepath.Join(t.TempDir(), "нет")}, testLogger())
	if err := e.Start(); err == nil {
		t.Error("ожидалась ошибка для несуществующего каталога")
	}
	if e.IsLeader() {
		t.Error("после ошибки экземпляр не leader")
	}
	e.Stop()
}

func TestStandalone(t *testing.T) {
	var p RoleProvider = Standalone{}
	if p.CurrentRole() != RoleStandalone || !p.IsLeader() || p.LeaderAddr() != "" {
		t.Errorf("неожиданное состояние standalone: %s %v %q", p.CurrentRole(), p.IsLeader(), p.LeaderAddr())
	}
}
