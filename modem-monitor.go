package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"modem-monitor/pkg/alertfetch"
	"modem-monitor/pkg/api"
	"modem-monitor/pkg/config"
	"modem-monitor/pkg/kvstore"
	"modem-monitor/pkg/logger"
	"modem-monitor/pkg/metrics"
	"modem-monitor/pkg/notify"
	"modem-monitor/pkg/poller"
	"modem-monitor/pkg/popupbus"
	"modem-monitor/pkg/session"
)

// CompileVersion is set at build time with -ldflags "-X main.CompileVersion=…".
var CompileVersion = "dev"

// withServerHeader stamps "Server: modem-monitor/<version>" and answers
// HEAD / with 200 so health checks see the process alive.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "modem-monitor/"+CompileVersion)
		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, tlsOn bool, logf func(string, ...any)) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if tlsOn {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server %s: %w", srv.Addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logf("server %s shutdown: %v", srv.Addr, err)
		}
		return nil
	}
}

// serveWithDomain runs :80 for ACME HTTP-01 plus a redirect, and :443 with
// Let's Encrypt certificates for domain and www.domain.
func serveWithDomain(ctx context.Context, g *errgroup.Group, domain string, handler http.Handler, logf func(string, ...any)) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(_ context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			// Bare IPs get no certificate but are not rejected either.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	mux80 := http.NewServeMux()
	mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
	mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	g.Go(func() error {
		logf("HTTP server (ACME+redirect) on :80")
		return serve(ctx, &http.Server{Addr: ":80", Handler: mux80, ReadHeaderTimeout: 10 * time.Second}, false, logf)
	})

	g.Go(func() error {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
					logf("autocert renewal check: %v", err)
				}
			}
		}
	})

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12
	g.Go(func() error {
		logf("HTTPS server for %s on :443", domain)
		return serve(ctx, &http.Server{
			Addr:              ":443",
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}, true, logf)
	})
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Version {
		fmt.Printf("modem-monitor version %s\n", CompileVersion)
		return
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	logf := logger.Printf(zl, "main")

	if cfg.Server.Domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		zl.Warn("binding to :80 and :443 requires super-user rights")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store kvstore.Store
	sqlStore, err := kvstore.Open(cfg.DB, logger.Printf(zl, "kvstore"))
	if err != nil {
		zl.Error("kv store unavailable, state will not survive a restart", zap.Error(err))
		store = kvstore.NewMemory()
	} else {
		defer sqlStore.Close()
		store = sqlStore
	}

	m := metrics.New(nil)

	fetcher := alertfetch.New(alertfetch.Config{
		BaseURL:       cfg.API.BaseURL,
		AlertsPath:    cfg.API.AlertsPath,
		ModemsPath:    cfg.API.ModemsPath,
		StatusPath:    cfg.API.StatusPath,
		PageSize:      cfg.Poll.PageSize,
		MaxAlerts:     cfg.Poll.MaxAlerts,
		FallbackLimit: cfg.Poll.FallbackLimit,
		Timeout:       cfg.API.Timeout,
	}, logger.Printf(zl, "fetch"))
	fetcher.OnRequest = m.Request

	identity := session.StoreProvider{
		Store:    store,
		Fallback: session.Identity{Phone: cfg.Officer.Phone, APIKey: cfg.API.Key},
	}

	bus := popupbus.NewBus(32)
	dispatcher := notify.New(ctx, store, bus, notify.Options{
		Spacing:  cfg.Notify.Spacing,
		PopupTTL: cfg.Notify.PopupTTL,
	}, logger.Printf(zl, "notify"))
	dispatcher.OnPersist = m.Notification
	dispatcher.OnStoreError = m.StoreError
	defer dispatcher.Close()

	cycles := logger.NewCycleLog(logger.Printf(zl, "poll"))
	defer cycles.Close()

	polling, err := poller.NewSession(poller.SessionConfig{
		Fetcher: fetcher,
		Modems: &poller.AssignedSource{
			Remote:   fetcher,
			Store:    store,
			Fallback: cfg.Officer.Modems,
			Logf:     logger.Printf(zl, "modems"),
		},
		Identity:   identity,
		Dispatcher: dispatcher,
		Metrics:    m,
		Cycles:     cycles,
		Interval:   cfg.Poll.Interval,
		Logf:       logger.Printf(zl, "poll"),
	})
	if err != nil {
		zl.Fatal("poller", zap.Error(err))
	}
	defer polling.Stop()

	tracker, err := poller.NewTracker(poller.TrackerConfig{
		Checker:  fetcher,
		Resolver: dispatcher,
		Store:    store,
		Identity: identity,
		Metrics:  m,
		Interval: cfg.Track.Interval,
		Logf:     logger.Printf(zl, "tracking"),
	})
	if err != nil {
		zl.Fatal("tracker", zap.Error(err))
	}
	defer tracker.Stop()
	if id, ok := tracker.Resume(ctx); ok {
		zl.Info("resumed tracking", zap.String("modem", id))
	}

	qrCache := api.NewResponseCache(time.Hour, 512)
	defer qrCache.Close()

	srv := api.New(api.Config{
		Polling:       polling,
		Tracking:      tracker,
		Notifications: dispatcher,
		Bus:           bus,
		Metrics:       m.Handler(),
		QRCache:       qrCache,
		DisplayLimit:  cfg.Notify.DisplayLimit,
		Logf:          logger.Printf(zl, "api"),
	})
	handler := withServerHeader(srv.Routes())

	if cfg.Poll.Autostart {
		polling.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Domain != "" {
		serveWithDomain(gctx, g, cfg.Server.Domain, handler, logf)
	} else {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		g.Go(func() error {
			logf("HTTP server on http://localhost%s", addr)
			return serve(gctx, &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}, false, logf)
		})
	}

	if err := g.Wait(); err != nil {
		zl.Error("server stopped", zap.Error(err))
	}
	logf("shutting down")
}
