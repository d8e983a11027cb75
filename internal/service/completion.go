// completion.go — конечный автомат завершения ASiC-S контейнера.
//
// Step выполняет один проход: выводит фазу из содержимого архива,
// совершает не более одного действия (токен + штамп, либо апгрейд),
// фиксирует изменения атомарной перезаписью и выводит фазу заново.
// Артефакты только добавляются: существующий timestamp.tst не
// заменяется никогда, .ots заменяется лишь своей обновлённой версией.
package service

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TimeBags/timebags/internal/asic"
	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/ots"
	"github.com/TimeBags/timebags/internal/storage/archive"
	"github.com/TimeBags/timebags/internal/tsa"
)

// TimestampAuthorityClient — получение RFC 3161 токена (реализация: tsa.Client).
type TimestampAuthorityClient interface {
	RequestToken(ctx context.Context, data []byte) (*tsa.Token, error)
}

// OpenTimestampsClient — штамповка и апгрейд OpenTimestamps (реализация: ots.Client).
type OpenTimestampsClient interface {
	Stamp(ctx context.Context, items []ots.StampItem) (map[string][]byte, error)
	Upgrade(ctx context.Context, proof []byte) (*ots.UpgradeResult, error)
	Info(proof []byte) (*ots.ProofInfo, error)
}

// StepAction — действие, выполненное шагом.
type StepAction string

const (
	ActionNone      StepAction = "none"
	ActionTimestamp StepAction = "timestamp"
	ActionStamp     StepAction = "stamp"
	ActionUpgrade   StepAction = "upgrade"
)

// StepResult — итог одного шага.
type StepResult struct {
	Status  *model.Status
	Actions []StepAction
	// Before — фаза до шага
	Before phase.Phase
	// Failure — ошибка внешнего сервиса; фаза при этом сохраняется,
	// повтор выполнится следующим шагом
	Failure error
}

// Progressed возвращает true, если фаза продвинулась.
func (r *StepResult) Progressed() bool {
	return r.Status.Result != r.Before
}

// EngineConfig — параметры автомата.
type EngineConfig struct {
	// TSATimeout — предел получения токена (все TSA по очереди)
	TSATimeout time.Duration
	// OTSTimeout — предел одного обращения к календарям (штамп или апгрейд)
	OTSTimeout time.Duration
	// Trusted — сертификаты TSA для проверки токенов без вложенных сертификатов
	Trusted []*x509.Certificate
	// Journal — журнал перезаписей (nil — без журнала)
	Journal archive.Journal
}

// CompletionEngine — автомат завершения контейнеров.
type CompletionEngine struct {
	tsa     TimestampAuthorityClient
	ots     OpenTimestampsClient
	tracker *phase.Tracker
	cfg     EngineConfig
	logger  *slog.Logger

	// inspect разбирает токен офлайн; подменяется в тестах
	inspect func(token []byte, trusted []*x509.Certificate) (*tsa.TokenInfo, error)
}

// NewCompletionEngine создаёт автомат.
func NewCompletionEngine(
	tsaClient TimestampAuthorityClient,
	otsClient OpenTimestampsClient,
	tracker *phase.Tracker,
	cfg EngineConfig,
	logger *slog.Logger,
) *CompletionEngine {
	if cfg.TSATimeout <= 0 {
		cfg.TSATimeout = 30 * time.Second
	}
	if cfg.OTSTimeout <= 0 {
		cfg.OTSTimeout = 30 * time.Second
	}
	return &CompletionEngine{
		tsa:     tsaClient,
		ots:     otsClient,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "completion")),
		inspect: tsa.Inspect,
	}
}

// Tracker возвращает журнал наблюдаемых фаз.
func (e *CompletionEngine) Tracker() *phase.Tracker {
	return e.tracker
}

// Status выводит статус контейнера без обращения к сети и без записи.
func (e *CompletionEngine) Status(path string) *model.Status {
	a, err := archive.Open(path)
	if err != nil {
		v := model.ValidationResult{Path: path, Kind: model.KindNotAZip}
		return model.NewStatus(&model.CompletionStatus{Path: path, Phase: phase.Unknown}, v)
	}
	defer a.Close()

	v := asic.Inspect(a)
	return model.NewStatus(e.derive(a, v), v)
}

// Step выполняет один проход автомата над контейнером path.
// Ошибка возвращается только при сбое файловой системы; отказы
// TSA и календарей попадают в StepResult.Failure.
// Вызывающий код сериализует шаги над одним путём.
func (e *CompletionEngine) Step(ctx context.Context, path string) (*StepResult, error) {
	a, err := archive.Open(path, archive.WithJournal(e.cfg.Journal))
	if err != nil {
		v := model.ValidationResult{Path: path, Kind: model.KindNotAZip}
		cs := &model.CompletionStatus{Path: path, Phase: phase.Unknown}
		return &StepResult{Status: model.NewStatus(cs, v), Before: phase.Unknown}, nil
	}
	defer a.Close()

	v := asic.Inspect(a)
	cs := e.derive(a, v)
	result := &StepResult{Before: cs.Phase}

	log := e.logger.With(slog.String("path", path))

	switch cs.Phase {
	case phase.Unknown:
		log.Info("Архив не является ASiC-S контейнером", slog.String("asic_status", v.Describe()))
	case phase.Incomplete:
		e.addLabels(a)
		result.Actions, result.Failure = e.complete(ctx, a, v.DataObject, log)
	case phase.Pending:
		e.addLabels(a)
		result.Actions, result.Failure = e.upgrade(ctx, a, v.DataObject, cs, log)
	case phase.Upgraded:
		e.addLabels(a)
		log.Debug("Контейнер уже в конечной фазе")
	}

	if a.Dirty() {
		if err := a.Commit(); err != nil {
			return nil, fmt.Errorf("ошибка записи контейнера %s: %w", path, err)
		}
	}

	v = asic.Inspect(a)
	cs = e.derive(a, v)
	result.Status = model.NewStatus(cs, v)

	if err := e.tracker.Observe(path, cs.Phase); err != nil {
		var te *phase.TransitionError
		if errors.As(err, &te) && te.Code == "PHASE_REGRESSION" {
			log.Warn("Фаза контейнера откатилась", slog.String("error", err.Error()))
		} else {
			log.Error("Не удалось зафиксировать фазу", slog.String("error", err.Error()))
		}
	}

	if result.Progressed() {
		log.Info("Фаза контейнера изменилась",
			slog.String("from", string(result.Before)),
			slog.String("to", string(cs.Phase)),
		)
	}
	return result, nil
}

// addLabels дописывает mimetype и комментарий архива, если их нет.
func (e *CompletionEngine) addLabels(a *archive.Archive) {
	if !a.Has(model.MimetypeEntry) {
		a.Put(model.MimetypeEntry, []byte(model.Mimetype))
	}
	if a.Comment() == "" {
		a.SetComment(model.ArchiveComment)
	}
}

// complete получает недостающий токен и штампует недостающие .ots.
func (e *CompletionEngine) complete(
	ctx context.Context,
	a *archive.Archive,
	dataObject string,
	log *slog.Logger,
) ([]StepAction, error) {
	var actions []StepAction

	data, err := a.Read(dataObject)
	if err != nil {
		return nil, fmt.Errorf("чтение объекта данных: %w", err)
	}
	if len(data) == 0 {
		log.Error("Пустой объект данных: контейнер не может быть завершён")
		return nil, errors.New("пустой объект данных")
	}

	var token []byte
	if a.Has(model.TimestampEntry) {
		token, err = a.Read(model.TimestampEntry)
		if err != nil {
			return nil, fmt.Errorf("чтение токена: %w", err)
		}
	} else {
		tctx, cancel := context.WithTimeout(ctx, e.cfg.TSATimeout)
		tok, err := e.tsa.RequestToken(tctx, data)
		cancel()
		if err != nil {
			log.Error("Не удалось получить RFC 3161 токен", slog.String("error", err.Error()))
			stepErrorsTotal.WithLabelValues("tsa").Inc()
			return actions, fmt.Errorf("получение токена: %w", err)
		}
		a.Put(model.TimestampEntry, tok.Bytes)
		token = tok.Bytes
		actions = append(actions, ActionTimestamp)
		log.Info("Получен RFC 3161 токен", slog.String("tsa", tok.Authority))
	}

	var items []ots.StampItem
	dataEntry := model.DataObjectAttestationEntry(dataObject)
	if !a.Has(dataEntry) {
		items = append(items, ots.StampItem{Name: dataEntry, Data: data})
	}
	if !a.Has(model.TimestampAttestationEntry) {
		items = append(items, ots.StampItem{Name: model.TimestampAttestationEntry, Data: token})
	}
	if len(items) == 0 {
		return actions, nil
	}

	octx, cancel := context.WithTimeout(ctx, e.cfg.OTSTimeout)
	proofs, err := e.ots.Stamp(octx, items)
	cancel()
	if err != nil {
		log.Error("Не удалось получить OpenTimestamps аттестацию", slog.String("error", err.Error()))
		stepErrorsTotal.WithLabelValues("ots_stamp").Inc()
		return actions, fmt.Errorf("штамповка: %w", err)
	}
	for _, item := range items {
		proof, ok := proofs[item.Name]
		if !ok {
			continue
		}
		a.Put(item.Name, proof)
	}
	actions = append(actions, ActionStamp)
	log.Info("Получены OpenTimestamps аттестации", slog.Int("count", len(proofs)))
	return actions, nil
}

// upgrade обновляет каждую ожидающую аттестацию.
// Доказательство заменяется только если календари дали новое.
func (e *CompletionEngine) upgrade(
	ctx context.Context,
	a *archive.Archive,
	dataObject string,
	cs *model.CompletionStatus,
	log *slog.Logger,
) ([]StepAction, error) {
	targets := []struct {
		entry string
		att   *model.Attestation
	}{
		{model.DataObjectAttestationEntry(dataObject), cs.DataObjectAttestation},
		{model.TimestampAttestationEntry, cs.TokenAttestation},
	}

	var (
		actions []StepAction
		errs    []error
	)
	for _, t := range targets {
		if t.att == nil || t.att.Kind != model.AttestationPending {
			continue
		}
		proof, err := a.Read(t.entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.entry, err))
			continue
		}

		uctx, cancel := context.WithTimeout(ctx, e.cfg.OTSTimeout)
		res, err := e.ots.Upgrade(uctx, proof)
		cancel()
		if err != nil {
			log.Error("Не удалось обновить аттестацию",
				slog.String("entry", t.entry),
				slog.String("error", err.Error()),
			)
			stepErrorsTotal.WithLabelValues("ots_upgrade").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", t.entry, err))
			continue
		}
		if !res.Changed {
			log.Debug("Аттестация пока не подтверждена", slog.String("entry", t.entry))
			continue
		}
		a.Put(t.entry, res.Proof)
		if len(actions) == 0 {
			actions = append(actions, ActionUpgrade)
		}
		log.Info("Аттестация обновлена",
			slog.String("entry", t.entry),
			slog.Bool("complete", res.Info != nil && res.Info.Complete),
		)
	}
	return actions, errors.Join(errs...)
}

// derive собирает прогресс завершения из текущего содержимого архива.
// Используются только уже записанные элементы.
func (e *CompletionEngine) derive(a *archive.Archive, v model.ValidationResult) *model.CompletionStatus {
	cs := &model.CompletionStatus{Path: a.Path(), Phase: phase.Unknown}
	if !v.IsValid() {
		return cs
	}

	ev := phase.Evidence{Valid: true}
	data, err := a.Read(v.DataObject)
	if err != nil {
		return cs
	}

	var token []byte
	if a.Has(model.TimestampEntry) {
		ev.Token = true
		// Нечитаемый элемент остаётся токеном: повторная выдача его не заменит
		if token, err = a.Read(model.TimestampEntry); err != nil {
			e.logger.Warn("Токен не прочитан из архива",
				slog.String("path", a.Path()),
				slog.String("error", err.Error()),
			)
			cs.DataTimestamp = &model.DataTimestamp{}
		} else {
			cs.DataTimestamp = e.describeToken(token, data)
		}
	}

	if proof, ok := readEntry(a, model.DataObjectAttestationEntry(v.DataObject)); ok {
		ev.DataObject, cs.DataObjectAttestation = e.describeProof(proof, data)
	}
	if proof, ok := readEntry(a, model.TimestampAttestationEntry); ok {
		ev.TokenAttestation, cs.TokenAttestation = e.describeProof(proof, token)
	}

	cs.Phase = phase.Derive(ev)
	return cs
}

// describeToken разбирает токен офлайн. Неразборчивый токен остаётся
// на месте и отображается как непроверенный.
func (e *CompletionEngine) describeToken(token, data []byte) *model.DataTimestamp {
	info, err := e.inspect(token, e.cfg.Trusted)
	if err != nil {
		e.logger.Warn("Токен не разобран", slog.String("error", err.Error()))
		return &model.DataTimestamp{}
	}
	return &model.DataTimestamp{
		IssuedAt:  info.IssuedAt,
		Authority: info.Authority,
		Verified:  info.Verified && info.Matches(data),
	}
}

// describeProof выводит состояние аттестации. Неразборчивое доказательство
// считается ожидающим: заменять его штамповкой нельзя.
func (e *CompletionEngine) describeProof(proof, target []byte) (phase.AttestationState, *model.Attestation) {
	info, err := e.ots.Info(proof)
	if err != nil {
		e.logger.Warn("Доказательство OpenTimestamps не разобрано", slog.String("error", err.Error()))
		return phase.AttestationPending, &model.Attestation{Kind: model.AttestationPending}
	}

	verified := false
	if target != nil {
		verified, _ = ots.CheckDigest(proof, target)
	}

	if !info.Complete {
		return phase.AttestationPending, &model.Attestation{Kind: model.AttestationPending, Verified: verified}
	}

	att := &model.Attestation{Kind: model.AttestationBitcoin, Verified: verified}
	for _, c := range info.Confirmations {
		att.Confirmations = append(att.Confirmations, model.Confirmation{
			Height:     c.Height,
			MerkleRoot: c.MerkleRoot,
		})
	}
	return phase.AttestationConfirmed, att
}

// readEntry читает элемент, если он есть.
func readEntry(a *archive.Archive, name string) ([]byte, bool) {
	if !a.Has(name) {
		return nil, false
	}
	data, err := a.Read(name)
	if err != nil {
		return nil, false
	}
	return data, true
}
