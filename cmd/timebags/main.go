// Точка входа TimeBags — менеджера жизненного цикла ASiC-S контейнеров.
//
// Использование:
//
//	timebags [-o путь] [-status] <файл или каталог>...
//	timebags serve
//
// Без подкоманды входы обрабатываются один раз (упаковка при
// необходимости и один шаг автомата), снимок статуса печатается
// в stdout как JSON. serve запускает HTTP API и планировщик.
package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/TimeBags/timebags/internal/asic"
	"github.com/TimeBags/timebags/internal/config"
	"github.com/TimeBags/timebags/internal/domain/model"
	"github.com/TimeBags/timebags/internal/domain/phase"
	"github.com/TimeBags/timebags/internal/ots"
	"github.com/TimeBags/timebags/internal/service"
	"github.com/TimeBags/timebags/internal/storage/archive"
	"github.com/TimeBags/timebags/internal/tsa"
)

// Коды завершения CLI.
const (
	exitOK = 0
	// exitError — ошибка файловой системы или конфигурации
	exitError = 1
	// exitUsage — некорректные аргументы или нечего упаковывать
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run разбирает подкоманду и возвращает код завершения.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "serve" {
		return runServe(args[1:], stderr)
	}
	return runCLI(args, stdout, stderr)
}

// runCLI обрабатывает входы один раз и печатает статус.
func runCLI(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("timebags", flag.ContinueOnError)
	fs.SetOutput(stderr)
	target := fs.String("o", "", "путь создаваемого контейнера (по умолчанию — рядом с первым входом)")
	statusOnly := fs.Bool("status", false, "только вывести статус контейнера, без обращения к сети")
	showVersion := fs.Bool("version", false, "вывести версию")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Использование: timebags [флаги] <путь>...\n       timebags serve\n\nФлаги:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if *showVersion {
		fmt.Fprintln(stdout, config.Version)
		return exitOK
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Ошибка конфигурации: %v\n", err)
		return exitError
	}
	logger := config.SetupLogger(cfg)

	if *statusOnly {
		return printStatus(stdout, stderr, offlineStatus(inputs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, _, _, err := newEngine(cfg, nil, logger)
	if err != nil {
		logger.Error("Ошибка инициализации", slog.String("error", err.Error()))
		return exitError
	}

	outDir, err := filepath.Abs(filepath.Dir(inputs[0]))
	if err != nil {
		logger.Error("Ошибка определения каталога", slog.String("error", err.Error()))
		return exitError
	}
	proc := service.NewProcessor(asic.NewBuilder(outDir, logger), engine, service.NewPathLocks(), logger)

	res, err := proc.Process(ctx, inputs, service.ProcessOptions{Target: *target})
	if err != nil {
		var be *asic.BuildError
		if errors.As(err, &be) {
			fmt.Fprintf(stderr, "timebags: %s\n", be.Error())
			if be.Kind == asic.KindNoValidInput {
				return exitUsage
			}
			return exitError
		}
		logger.Error("Ошибка обработки", slog.String("error", err.Error()))
		return exitError
	}
	if res.Failure != nil {
		// Контейнер сохранён, повтор выполнится следующим запуском
		logger.Error("Внешний сервис недоступен", slog.String("error", res.Failure.Error()))
	}

	return printStatus(stdout, stderr, res.Status)
}

// offlineStatus выводит статус первого входа без записи и сети.
func offlineStatus(inputs []string) *model.Status {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Status разбирает доказательства через Info и в сеть не ходит; клиент TSA не нужен
	e := service.NewCompletionEngine(nil, ots.NewClient(ots.Config{}, logger), phase.NewTracker(), service.EngineConfig{}, logger)
	return e.Status(inputs[0])
}

func printStatus(stdout, stderr io.Writer, st *model.Status) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		fmt.Fprintf(stderr, "Ошибка вывода статуса: %v\n", err)
		return exitError
	}
	return exitOK
}

// newEngine собирает клиентов TSA и календарей и автомат завершения.
// journal может быть nil.
func newEngine(cfg *config.Config, journal archive.Journal, logger *slog.Logger) (*service.CompletionEngine, *tsa.Client, *ots.Client, error) {
	if err := config.EnsureConfDir(cfg.ConfDir); err != nil {
		return nil, nil, nil, err
	}
	entries, err := config.LoadAuthorities(cfg.ConfDir)
	if err != nil {
		return nil, nil, nil, err
	}
	authorities, err := tsa.AuthoritiesFromConfig(entries)
	if err != nil {
		return nil, nil, nil, err
	}

	var trusted []*x509.Certificate
	for _, a := range authorities {
		if a.Certificate != nil {
			trusted = append(trusted, a.Certificate)
		}
	}

	tsaClient := tsa.NewClient(authorities, logger)
	otsClient := ots.NewClient(ots.Config{
		Calendars:      cfg.OTSCalendars,
		MinResponses:   cfg.OTSMinResponses,
		Timeout:        cfg.OTSTimeout,
		UpgradeTimeout: cfg.OTSUpgradeTimeout,
		Rate:           cfg.OTSRate,
		UserAgent:      "timebags/" + config.Version,
	}, logger)

	engine := service.NewCompletionEngine(tsaClient, otsClient, phase.NewTracker(), service.EngineConfig{
		TSATimeout: cfg.TSATimeout,
		OTSTimeout: cfg.OTSUpgradeTimeout,
		Trusted:    trusted,
		Journal:    journal,
	}, logger)

	return engine, tsaClient, otsClient, nil
}
