// cmd/proxy-service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authproxy/internal/oauthproxy"
	"authproxy/internal/session"
	"authproxy/pkg/codestore"
	"authproxy/pkg/config"
	"authproxy/pkg/db"
	"authproxy/pkg/entities"
	"authproxy/pkg/logger"
	"authproxy/pkg/middleware"
	"authproxy/pkg/policy"
	"authproxy/pkg/proxyconfig"
	"authproxy/pkg/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	ctx := context.Background()

	pool := db.MustConnect(cfg, log)
	var entityStore store.Store = store.NewMemory()
	if pool != nil {
		if err := store.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("entity schema", "err", err)
		}
		entityStore = store.NewPostgres(pool)
	} else if lite := db.MustSQLite(cfg, log); lite != nil {
		s, err := store.NewSQLite(ctx, lite)
		if err != nil {
			log.Fatalw("entity schema", "err", err)
		}
		entityStore = s
	}

	var codeStore codestore.Store = codestore.NewMemory()
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		codeStore = codestore.NewRedis(rdb, "")
	}

	master := store.Scope{AccountID: cfg.DefaultAccountID, SubscriptionID: cfg.DefaultSubscriptionID}
	var configs proxyconfig.Provider
	if pool != nil {
		if err := proxyconfig.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("proxy config schema", "err", err)
		}
		if err := proxyconfig.SeedFromFile(ctx, pool, cfg.ProxyConfigFile, master); err != nil {
			log.Warnw("proxy config seed", "err", err)
		}
		configs = proxyconfig.NewPostgres(pool, log)
	} else {
		seed, err := proxyconfig.LoadFile(cfg.ProxyConfigFile, master)
		if err != nil {
			log.Fatalw("proxy config", "err", err, "file", cfg.ProxyConfigFile)
		}
		configs = proxyconfig.NewMemory(log, seed...)
	}

	redirects, err := policy.LoadFile(ctx, cfg.RedirectPolicyFile)
	if err != nil {
		log.Fatalw("redirect policy", "err", err, "file", cfg.RedirectPolicyFile)
	}

	repo := entities.NewRepo(entityStore)
	if n, err := entities.SeedFile(ctx, repo, cfg.EntitySeedFile, master); err != nil {
		log.Fatalw("entity seed", "err", err, "file", cfg.EntitySeedFile)
	} else if n > 0 {
		log.Infow("entities seeded", "count", n)
	}

	// Tracing must be initialized before the upstream transport is wrapped.
	tracing := middleware.Tracing(log)
	reg := prometheus.DefaultRegisterer
	sessions := session.NewService(log, entityStore, repo, redirects, session.NewMetrics(reg),
		session.Options{BaseURL: cfg.BaseURL, TTL: cfg.SessionTTL})
	proxy := oauthproxy.New(log, repo, proxyconfig.NewResolver(configs, master),
		codestore.NewService(codeStore, cfg.CodeTTL, cfg.RefreshTokenTTL), sessions, oauthproxy.NewMetrics(reg),
		oauthproxy.Options{BaseURL: cfg.BaseURL, UpstreamTimeout: cfg.UpstreamTimeout, Transport: middleware.Transport(http.DefaultTransport)})

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.DebugWriteHeader(cfg.DebugDoubleWrite, log))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(tracing)
	r.Use(middleware.Metrics(reg))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	oauthproxy.RegisterCallback(r, proxy)
	r.Route("/v2/account/{accountId}/subscription/{subscriptionId}", func(r chi.Router) {
		r.Use(middleware.WithTenant())
		oauthproxy.RegisterHTTP(r, proxy)
		session.RegisterHTTP(r, sessions, middleware.JWTAuth(cfg))
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("proxy-service listening", "addr", cfg.HTTPAddr, "base", cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	// Access-token revocations run detached from their requests.
	proxy.Wait()
	if pool != nil {
		pool.Close()
	}
	_ = log.Sync()
	fmt.Println("proxy-service stopped")
}
