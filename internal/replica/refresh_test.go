package replica

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/storage/attr"
	"github.com/TimeBags/timebags/internal/storage/index"
)

func TestFollowerRefresh_PicksUpLeaderWrites(t *testing.T) {
	dir := t.TempDir()
	idx := index.New(testLogger())
	if err := idx.BuildFromDir(dir); err != nil {
		t.Fatal(err)
	}

	refreshed := make(chan struct{}, 10)
	svc := NewFollowerRefresh(idx, dir, 20*time.Millisecond, func() { refreshed <- struct{}{} }, testLogger())

	// Запись leader
	rec := &model.ContainerRecord{Name: "a.txt.zip", Phase: phase.Pending, CreatedAt: time.Now().UTC()}
	if err := attr.Write(attr.PathFor(filepath.Join(dir, rec.Name)), rec); err != nil {
		t.Fatal(err)
	}

	svc.Start(context.Background())
	defer svc.Stop()

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("реестр не перечитан за 5 секунд")
	}

	got := idx.Get("a.txt.zip")
	if got == nil || got.Phase != phase.Pending {
		t.Errorf("ожидалась запись PENDING, получено %+v", got)
	}
}

func TestFollowerRefresh_StopIdempotent(t *testing.T) {
	svc := NewFollowerRefresh(index.New(testLogger()), t.TempDir(), time.Hour, nil, testLogger())
	svc.Stop()
	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()
}
