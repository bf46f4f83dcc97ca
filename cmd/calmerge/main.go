package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calmerge/internal/config"
	"calmerge/internal/ics"
	appLog "calmerge/internal/log"
	"calmerge/internal/merge"
	"calmerge/internal/refresh"
	"calmerge/internal/session"
	"calmerge/internal/web"
)

func main() {
	settings, err := config.LoadSettings(os.Args[1:])
	if err != nil {
		appLog.Error("failed to parse settings", err)
		os.Exit(2)
	}
	if settings == nil {
		// --help
		return
	}

	appLog.SetOutput(os.Stderr, settings.LogConsole)
	appLog.SetLevel(appLog.ParseLevel(settings.LogLevel))
	appLog.Info("calmerge starting", "version", config.GetVersion())

	loc, err := settings.Location()
	if err != nil {
		appLog.Error("failed to load timezone", err, "timezone", settings.Timezone)
		os.Exit(1)
	}

	conf, err := config.Load(settings.ConfigFile)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", settings.ConfigFile)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", settings.Listen,
		"timezone", loc.String(),
		"calendars", conf.Names(),
		"fetch_timeout", settings.FetchTimeout.String(),
		"feed_cache_ttl", settings.FeedCacheTTL.String(),
		"calendar_cache_ttl", settings.CalendarCacheTTL.String(),
		"refresh_schedule", settings.RefreshSchedule,
	)

	fetcher := ics.NewFetcher(ics.FetcherOptions{
		Timeout:   settings.FetchTimeout,
		CacheTTL:  settings.FeedCacheTTL,
		CacheSize: settings.FeedCacheSize,
		UserAgent: settings.UserAgent,
	})
	engine := merge.NewEngine(fetcher, merge.Options{
		Location:  loc,
		CacheTTL:  settings.CalendarCacheTTL,
		CacheSize: settings.CalendarCacheSize,
	})

	secret := []byte(settings.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			appLog.Error("failed to generate session secret", err)
			os.Exit(1)
		}
		appLog.Warn("SESSION_SECRET not set; remembered keys are lost on restart")
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var refresher *refresh.Refresher
	if settings.RefreshSchedule != "" {
		refresher, err = refresh.New(settings.RefreshSchedule, loc, conf, engine, 2*settings.FetchTimeout*time.Duration(max(1, len(conf.Calendars))))
		if err != nil {
			appLog.Error("failed to set up refresh", err)
			os.Exit(1)
		}
		refresher.Start()
	}

	srv := &http.Server{
		Addr:              settings.Listen,
		Handler:           web.NewServer(conf, engine, session.NewCodec(secret), loc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      settings.FetchTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", settings.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			appLog.Error("HTTP server failed", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if refresher != nil {
		refresher.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}
	appLog.Info("calmerge exiting")
}
