// Command gatewayd is the gateway's long-running server process: it wires
// every component in the fixed init order §5 requires, serves the §6 HTTP
// surface with gin, and drains in reverse order on SIGINT/SIGTERM,
// mirroring the teacher's cmd/Coordinator/main.go gin.Default()+r.Run
// shape generalized with the graceful-shutdown pattern the rest of the
// retrieved pack uses around a bare http.Server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cipherrelay/gateway/internal/accountant"
	"github.com/cipherrelay/gateway/internal/batch"
	"github.com/cipherrelay/gateway/internal/cache"
	"github.com/cipherrelay/gateway/internal/config"
	"github.com/cipherrelay/gateway/internal/cstore"
	"github.com/cipherrelay/gateway/internal/engine"
	"github.com/cipherrelay/gateway/internal/enginepool"
	"github.com/cipherrelay/gateway/internal/httpapi"
	"github.com/cipherrelay/gateway/internal/keystore"
	"github.com/cipherrelay/gateway/internal/obslog"
	"github.com/cipherrelay/gateway/internal/orchestrator"
	"github.com/cipherrelay/gateway/internal/params"
	"github.com/cipherrelay/gateway/internal/session"
	"github.com/cipherrelay/gateway/internal/upstream"
	"github.com/cipherrelay/gateway/internal/validate"
)

var version = "v0.0.0-dev"

const (
	exitConfigInvalid   = 1
	exitRuntimeFatal    = 2
	exitShutdownTimeout = 3
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; defaults apply otherwise)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	log := obslog.For("gatewayd")

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error("failed to load config", "error", err)
			os.Exit(exitConfigInvalid)
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}

	// Component init order per §5: Accountant -> Key Store -> Ciphertext
	// Store -> Cache -> Pool is the lock-order invariant; everything else
	// that merely depends on those, rather than acquiring their locks, can
	// be constructed in any order relative to one another.
	acct := accountant.New(cfg.AccountantCostTable(), cfg.Privacy.DefaultTotalEpsilon, cfg.Privacy.FreeFailureKinds)
	keys := keystore.New()
	cts := cstore.New()
	cch := cache.New(cfg.Cache.Shards, cfg.Cache.HotCountBound, cfg.Cache.WarmByteBound)
	pool := enginepool.New(engine.Simulated{}, cfg.EnginePool.LowWaterMark, cfg.EnginePool.HighWaterMark)
	coalescer := batch.New(pool, cfg.Batch.SizeThreshold, cfg.Batch.WaitThreshold, cfg.EnginePool.CheckoutTimeout)
	val := validate.New(cfg.Validation.MaxPlaintextBytes, cfg.Validation.MaxCiphertextBytes, cfg.DenylistBytes())
	up := upstream.NewHTTP(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.ProviderTag, cfg.Upstream.Timeout, cfg.Upstream.RetryBudget)
	sess := session.New()

	orch := orchestrator.New(orchestrator.Config{
		KeyTTL:               cfg.KeyLifecycle.KeyTTL,
		RotationGrace:        cfg.KeyLifecycle.RotationGrace,
		CheckoutTimeout:      cfg.EnginePool.CheckoutTimeout,
		CiphertextTTL:        cfg.Ciphertext.TTL,
		ConcatCost:           cfg.Ciphertext.ConcatCost,
		RefreshRestoreTo:     cfg.Ciphertext.RefreshRestoreTo,
		UpstreamInitialNoise: cfg.Ciphertext.UpstreamInitialNoise,
	}, keys, cts, cch, pool, acct, val, up, sess, coalescer)

	var primary *params.Set
	for i, pset := range cfg.ParameterSets {
		ps, err := params.New(pset.ToLiteral())
		if err != nil {
			log.Error("invalid parameter set", "name", pset.Name, "error", err)
			os.Exit(exitConfigInvalid)
		}
		orch.RegisterParameterSet(ps)
		if i == 0 {
			primary = ps
		}
	}

	stopCtsSweep := cts.StartSweeper(cfg.EnginePool.SweepInterval)
	stopPoolSweep := pool.StartSweeper(cfg.EnginePool.SweepInterval, cfg.EnginePool.IdleTTL)
	stopKeySweep := startKeySweeper(keys, cfg.KeyLifecycle.SweepInterval)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api := httpapi.New(router, orch, pool, sess, val, acct, primary)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			log.Error("server exited with error", "error", err)
			os.Exit(exitRuntimeFatal)
		}
	}

	api.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown timed out", "error", err)
		stopPoolSweep()
		stopCtsSweep()
		stopKeySweep()
		os.Exit(exitShutdownTimeout)
	}

	stopPoolSweep()
	stopCtsSweep()
	stopKeySweep()
	log.Info("shutdown complete")
}

// startKeySweeper mirrors cstore's and enginepool's own StartSweeper idiom
// for the Key Store, which exposes a bare SweepRotations call rather than
// owning its own ticker goroutine.
func startKeySweeper(keys *keystore.Store, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				keys.SweepRotations()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
