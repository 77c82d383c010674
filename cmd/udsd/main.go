package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
	"github.com/witcacy/CANUDS-DTC-Report/internal/server"
)

// setupLogging sends JSON records to a rotated file and pretty records to
// console.
func setupLogging(cfg config, console io.Writer) (*slog.Logger, *lumberjack.Logger, error) {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "udsd.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	file := common.NewLogger(common.WithJSON(true), common.WithDebug(cfg.Logs.Debug), common.WithWriters(rotator))
	pretty := common.NewLogger(common.WithPretty(true), common.WithDebug(cfg.Logs.Debug), common.WithWriters(console), common.WithPrefix("udsd"))
	return slog.New(slogmulti.Fanout(file.Handler(), pretty.Handler())), rotator, nil
}

func main() {
	configPath := flag.String("config", "config/udsd.yaml", "path to configuration file")
	addr := flag.String("addr", "", "listen address (overrides config port)")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "HTTP read timeout")
	writeTimeout := flag.Duration("write-timeout", 120*time.Second, "HTTP write timeout")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		common.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		common.Fatalf("storage dir: %v", err)
	}
	logger, rotator, err := setupLogging(cfg, os.Stdout)
	if err != nil {
		common.Fatalf("setup logging: %v", err)
	}
	defer rotator.Close()
	common.SetLogger(logger)

	lang, err := report.ParseLanguage(cfg.Lang)
	if err != nil {
		logger.Warn("unsupported report language, using English", "lang", cfg.Lang)
		lang = report.LangEnglish
	}
	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if *addr != "" {
		listenAddr = *addr
	}

	srv, err := server.NewServer(server.Options{
		StorageDir:       cfg.StorageDir,
		DescriptionsPath: cfg.Descriptions,
		ECUNamesPath:     cfg.ECUNames,
		Language:         lang,
		PDFNote:          cfg.PDFNote,
		Concurrency:      cfg.Concurrency,
		MaxUploadBytes:   cfg.MaxUploadMB << 20,
		AllowPaths:       cfg.AllowPaths,
		ManifestSigning: server.ManifestSigningOptions{
			PrivateKeyPath:  cfg.ManifestSigning.PrivateKey,
			CertificatePath: cfg.ManifestSigning.Certificate,
		},
		Logger: logger,
	})
	if err != nil {
		common.Fatalf("server init: %v", err)
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	}

	logger.Info("udsd listening", "addr", listenAddr, "storage", cfg.StorageDir)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("listen", "err", err)
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	logger.Info("udsd stopped")
}
