// download.go — сервис скачивания контейнеров.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
	"github.com/TimeBags/timebags/internal/api/middleware"
	"github.com/TimeBags/timebags/internal/domain/model"
)

// DownloadService — сервис скачивания контейнеров.
type DownloadService struct {
	reg    *Registry
	logger *slog.Logger
}

// NewDownloadService создаёт сервис скачивания контейнеров.
func NewDownloadService(reg *Registry, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		reg:    reg,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// Serve отдаёт архив клиенту через http.ServeContent.
// Поддерживает Range requests (206 Partial Content) и ETag (If-None-Match).
//
// Перезапись архива выполняется через rename, поэтому открытый
// дескриптор отдаёт согласованную версию без блокировки пути.
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, name string) *apierrors.Error {
	rec := s.reg.Index().Get(name)
	if rec == nil {
		return apierrors.New(apierrors.CodeNotFound, "Контейнер %s не найден", name)
	}

	file, err := os.Open(s.reg.Path(rec.Name))
	if err != nil {
		s.logger.Error("Контейнер не найден на диске",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
		return apierrors.New(apierrors.CodeNotFound, "Контейнер %s не найден на диске", name)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		s.logger.Error("Ошибка получения stat контейнера",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
		return apierrors.New(apierrors.CodeInternalError, "Ошибка чтения контейнера")
	}

	w.Header().Set("Content-Type", model.Mimetype)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name))
	if rec.Checksum != "" && stat.Size() == rec.Size {
		w.Header().Set("ETag", fmt.Sprintf("%q", rec.Checksum))
	}
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, rec.Name, stat.ModTime(), file)

	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()

	s.logger.Debug("Контейнер скачан",
		slog.String("container", name),
		slog.Int64("size", stat.Size()),
	)

	return nil
}
