package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/clinicstack/clinicsync/internal/clinicsync"
	"github.com/clinicstack/clinicsync/internal/httpapi"
	"github.com/clinicstack/clinicsync/internal/realtime"
)

func main() {
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(os.Getenv("CLINICSYNC_LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}

	dsn := strings.TrimSpace(os.Getenv("CLINICSYNC_PG_DSN"))
	if dsn == "" {
		logger.Fatal("CLINICSYNC_PG_DSN is required")
	}
	feedURL := strings.TrimSpace(os.Getenv("CLINICSYNC_FEED_URL"))
	if feedURL == "" {
		logger.Fatal("CLINICSYNC_FEED_URL is required")
	}
	feedToken := os.Getenv("CLINICSYNC_FEED_TOKEN")
	sessionURL := strings.TrimSpace(os.Getenv("CLINICSYNC_SESSION_URL"))
	if sessionURL == "" {
		logger.Fatal("CLINICSYNC_SESSION_URL is required")
	}
	sessionKey := os.Getenv("CLINICSYNC_SESSION_KEY")

	factory := func(ctx context.Context) (*clinicsync.Handle, error) {
		remote, err := clinicsync.NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		feed, err := realtime.NewWebsocketFeed(realtime.WebsocketFeedOptions{
			URL:    feedURL,
			Token:  feedToken,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return &clinicsync.Handle{
			Store:    remote,
			Sessions: clinicsync.NewHTTPSessionAPI(sessionURL, sessionKey, nil),
			Feed:     feed,
		}, nil
	}

	handle, err := factory(context.Background())
	if err != nil {
		logger.WithError(err).Fatal("failed to build client handle")
	}
	store, err := clinicsync.New(clinicsync.Options{
		Handle:         handle,
		Factory:        factory,
		Logger:         logger,
		QueryTimeout:   durationEnv("CLINICSYNC_QUERY_TIMEOUT", 0),
		RefreshTimeout: durationEnv("CLINICSYNC_REFRESH_TIMEOUT", 0),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to build store")
	}
	defer store.Close()

	subscriber := clinicsync.NewSubscriber(store, logger)
	defer subscriber.Close()
	monitor := clinicsync.NewMonitor(subscriber, clinicsync.MonitorOptions{
		Interval:    durationEnv("CLINICSYNC_MONITOR_INTERVAL", 0),
		MaxRebuilds: intEnv("CLINICSYNC_MONITOR_MAX_REBUILDS", 0),
		Logger:      logger,
	})
	monitor.Start()
	defer monitor.Stop()

	tenantFile := strings.TrimSpace(os.Getenv("CLINICSYNC_TENANT_FILE"))
	if tenantFile != "" {
		applyTenant(logger, store, subscriber, readTenantFile(logger, tenantFile))
		go watchTenantFile(logger, store, subscriber, tenantFile)
	}

	addr := os.Getenv("CLINICSYNC_ADDR")
	if addr == "" {
		addr = ":8085"
	}
	server := httpapi.NewServer(store, subscriber, logger)
	logger.WithField("addr", addr).Info("clinicsyncd listening")
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func applyTenant(logger *logrus.Logger, store *clinicsync.Store, subscriber *clinicsync.Subscriber, tenantID string) {
	ctx := context.Background()
	if err := store.SetTenant(ctx, tenantID); err != nil {
		logger.WithField("tenant", tenantID).WithError(err).Error("tenant activation sync failed")
	}
	if err := subscriber.SetTenant(ctx, tenantID); err != nil {
		logger.WithField("tenant", tenantID).WithError(err).Error("tenant subscription failed")
	}
}

// watchTenantFile drives tenant switches from edits to the tenant file.
func watchTenantFile(logger *logrus.Logger, store *clinicsync.Store, subscriber *clinicsync.Subscriber, tenantFile string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("tenant file watcher unavailable")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(tenantFile)); err != nil {
		logger.WithError(err).Error("failed to watch tenant file directory")
		return
	}

	current := readTenantFile(logger, tenantFile)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(tenantFile) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			tenant := readTenantFile(logger, tenantFile)
			if tenant == current {
				continue
			}
			logger.WithFields(logrus.Fields{
				"from": current,
				"to":   tenant,
			}).Info("active tenant changed")
			current = tenant
			applyTenant(logger, store, subscriber, tenant)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("tenant file watcher error")
		}
	}
}

func readTenantFile(logger *logrus.Logger, path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WithError(err).Warn("failed to read tenant file")
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
