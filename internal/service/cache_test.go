package service

import (
	"testing"
	"time"

	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
)

func TestStatusCache_GetSet(t *testing.T) {
	cache := NewStatusCache(10, time.Minute)

	if _, ok := cache.Get("a.zip"); ok {
		t.Fatal("ожидался промах для нового ключа")
	}

	cache.Set("a.zip", &model.Status{Result: phase.Pending, Path: "/data/a.zip"})
	got, ok := cache.Get("a.zip")
	if !ok {
		t.Fatal("ожидалось попадание после Set")
	}
	if got.Result != phase.Pending {
		t.Errorf("Result = %s, ожидался %s", got.Result, phase.Pending)
	}
}

func TestStatusCache_Invalidate(t *testing.T) {
	cache := NewStatusCache(10, time.Minute)
	cache.Set("a.zip", &model.Status{Result: phase.Incomplete})

	cache.Invalidate("a.zip")
	if _, ok := cache.Get("a.zip"); ok {
		t.Error("запись должна быть удалена")
	}
	// Повторная инвалидация безопасна
	cache.Invalidate("a.zip")
}

func TestStatusCache_TTL(t *testing.T) {
	cache := NewStatusCache(10, 50*time.Millisecond)
	cache.Set("a.zip", &model.Status{Result: phase.Pending})

	time.Sleep(120 * time.Millisecond)

	if _, ok := cache.Get("a.zip"); ok {
		t.Error("запись должна истечь по TTL")
	}
}

func TestStatusCache_Eviction(t *testing.T) {
	cache := NewStatusCache(2, time.Minute)
	cache.Set("a", &model.Status{})
	cache.Set("b", &model.Status{})
	cache.Set("c", &model.Status{})

	if cache.Len() != 2 {
		t.Errorf("ожидалось 2 записи, получено %d", cache.Len())
	}
	if _, ok := cache.Get("a"); ok {
		t.Error("самая старая запись должна быть вытеснена")
	}
}
