// Пакет service — бизнес-логика TimeBags.
// upload.go — приём загрузки через API: входящий каталог, упаковка,
// первый шаг автомата и регистрация контейнера.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"

	apierrors "github.com/TimeBags/timebags/internal/api/errors"
	"github.com/TimeBags/timebags/internal/api/middleware"
	"github.com/TimeBags/timebags/internal/asic"
	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/storage/filestore"
)

// UploadParams — параметры загрузки.
type UploadParams struct {
	// Reader — поток данных (тело запроса)
	Reader io.Reader
	// OriginalFilename — имя файла из параметра name
	OriginalFilename string
	// Size — Content-Length запроса (-1, если неизвестен)
	Size int64
	// UploadedBy — идентификатор пользователя (sub из JWT)
	UploadedBy string
}

// UploadResult — результат загрузки.
type UploadResult struct {
	Record *model.ContainerRecord
	Status *model.Status
	// Created — контейнер собран из загрузки (ложь для перенесённого готового)
	Created bool
}

// UploadService — сервис приёма загрузок.
type UploadService struct {
	inbox   *filestore.Inbox
	proc    *Processor
	reg     *Registry
	maxSize int64
	logger  *slog.Logger
}

// NewUploadService создаёт сервис загрузки.
func NewUploadService(
	inbox *filestore.Inbox,
	proc *Processor,
	reg *Registry,
	maxSize int64,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		inbox:   inbox,
		proc:    proc,
		reg:     reg,
		maxSize: maxSize,
		logger:  logger.With(slog.String("component", "upload_service")),
	}
}

// Upload принимает загрузку и превращает её в контейнер.
//
// Поток:
//  1. Проверка размера
//  2. Save во входящий каталог (streaming + SHA-256, журнал загрузок)
//  3. Process: готовый ASiC-S переносится, прочее упаковывается
//  4. Один шаг автомата (токен + штамп)
//  5. attr.json + реестр
//
// Загрузка во входящем каталоге удаляется при любом исходе.
func (s *UploadService) Upload(ctx context.Context, params UploadParams) (*UploadResult, *apierrors.Error) {
	if params.Size > s.maxSize {
		return nil, s.fail(apierrors.New(apierrors.CodeFileTooLarge, "Размер файла %d байт превышает максимум %d байт", params.Size, s.maxSize))
	}

	// Лишний байт отличает ровно maxSize от превышения
	saved, err := s.inbox.Save(io.LimitReader(params.Reader, s.maxSize+1), params.OriginalFilename, params.UploadedBy)
	if err != nil {
		s.logger.Error("Ошибка сохранения загрузки", slog.String("error", err.Error()))
		return nil, s.fail(apierrors.New(apierrors.CodeInternalError, "Ошибка сохранения файла на диск"))
	}
	defer func() {
		if err := s.inbox.Remove(saved.StoragePath); err != nil {
			s.logger.Warn("Загрузка не удалена из входящего каталога",
				slog.String("path", saved.StoragePath),
				slog.String("error", err.Error()),
			)
		}
	}()

	if saved.Size > s.maxSize {
		return nil, s.fail(apierrors.New(apierrors.CodeFileTooLarge, "Размер файла превышает максимум %d байт", s.maxSize))
	}

	res, err := s.proc.Process(ctx, []string{saved.FullPath}, ProcessOptions{Adopt: true})
	if err != nil {
		return nil, s.fail(s.mapProcessError(err))
	}

	rec, err := s.reg.Record(res.Path, res.Status, res.Failure, &Provenance{
		OriginalName: params.OriginalFilename,
		CreatedBy:    params.UploadedBy,
	})
	if err != nil {
		s.logger.Error("Ошибка регистрации контейнера",
			slog.String("path", res.Path),
			slog.String("error", err.Error()),
		)
		return nil, s.fail(apierrors.New(apierrors.CodeInternalError, "Ошибка записи метаданных"))
	}

	middleware.OperationsTotal.WithLabelValues("upload", "success").Inc()

	s.logger.Info("Загрузка упакована в контейнер",
		slog.String("container", rec.Name),
		slog.String("filename", params.OriginalFilename),
		slog.Int64("size", saved.Size),
		slog.String("checksum", saved.Checksum),
		slog.String("uploaded_by", params.UploadedBy),
		slog.String("phase", string(res.Status.Result)),
	)

	return &UploadResult{Record: rec, Status: res.Status, Created: res.Created}, nil
}

// mapProcessError переводит ошибку упаковки в HTTP-ответ.
func (s *UploadService) mapProcessError(err error) *apierrors.Error {
	var be *asic.BuildError
	if errors.As(err, &be) {
		switch be.Kind {
		case asic.KindNoValidInput:
			return apierrors.New(apierrors.CodeNoValidInput, be.Message)
		case asic.KindCollision:
			return apierrors.New(apierrors.CodeCollision, be.Message)
		}
	}
	s.logger.Error("Ошибка упаковки загрузки", slog.String("error", err.Error()))
	return apierrors.New(apierrors.CodeInternalError, "Ошибка создания контейнера")
}

// fail учитывает неуспешную загрузку в метриках.
func (s *UploadService) fail(e *apierrors.Error) *apierrors.Error {
	middleware.OperationsTotal.WithLabelValues("upload", "error").Inc()
	return e
}
