package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/TimeBags/timebags/internal/api/handlers"
	"github.com/TimeBags/timebags/internal/config"
)

// diskUsageFn — ёмкость файловой системы каталога данных, как у df:
// used считается от свободных блоков, available — доступные без root.
func diskUsageFn(dataDir string) handlers.DiskUsageFunc {
	return func() (total, used, available int64, err error) {
		var st unix.Statfs_t
		if err := unix.Statfs(dataDir, &st); err != nil {
			return 0, 0, 0, fmt.Errorf("statfs %s: %w", dataDir, err)
		}
		bsize := int64(st.Bsize) //nolint:unconvert // тип Bsize зависит от платформы
		total = int64(st.Blocks) * bsize
		used = total - int64(st.Bfree)*bsize
		available = int64(st.Bavail) * bsize
		return total, used, available, nil
	}
}

// dephealthInstance — имя вершины графа зависимостей. Явный
// TB_INSTANCE_ID берётся как есть, имя пода сводится к владельцу.
func dephealthInstance(cfg *config.Config) string {
	if os.Getenv("TB_INSTANCE_ID") != "" {
		return cfg.InstanceID
	}
	return ownerName(cfg.InstanceID)
}

// ownerName: Deployment <name>-<rs hash>-<pod hash> и StatefulSet
// <name>-<ordinal> дают <name>, остальное возвращается без изменений.
func ownerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)
	switch {
	case n >= 3 && podHash(parts[n-2], 6, 10) && podHash(parts[n-1], 5, 5):
		return strings.Join(parts[:n-2], "-")
	case n >= 2 && parts[n-1] != "" && strings.Trim(parts[n-1], "0123456789") == "":
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

func podHash(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	return strings.Trim(s, "abcdefghijklmnopqrstuvwxyz0123456789") == ""
}
