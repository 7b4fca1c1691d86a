// Command homeserverd is the federated room-state and replication engine's
// entrypoint: it loads configuration, opens the store, wires the fiber
// runtime's collaborators together, and runs until signalled to stop.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/construct-go/homeserver/internal/config"
	"github.com/construct-go/homeserver/internal/eventmodel"
	"github.com/construct-go/homeserver/internal/fedclient"
	"github.com/construct-go/homeserver/internal/fedserver"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/construct-go/homeserver/internal/keyring"
	"github.com/construct-go/homeserver/internal/logctx"
	"github.com/construct-go/homeserver/internal/metrics"
	"github.com/construct-go/homeserver/internal/pubsub"
	"github.com/construct-go/homeserver/internal/reactor"
	"github.com/construct-go/homeserver/internal/roomhead"
	"github.com/construct-go/homeserver/internal/store"
	"github.com/construct-go/homeserver/internal/vm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var flagConfig = flag.String("config", "homeserver.yaml", "Path to the YAML configuration file")

func main() {
	flag.Parse()
	os.Exit(run())
}

// run contains the process's whole lifecycle so deferred cleanups
// actually execute; main itself only translates the result into an exit
// code, since os.Exit skips deferred calls.
func run() int {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "homeserverd: "+err.Error())
		return 1
	}
	configureLogging(cfg.Logging)

	st, err := store.Open(cfg.Store.Path, time.Duration(cfg.Store.OpenTimeoutSec)*time.Second)
	if err != nil {
		logctx.Root.WithError(err).Error("homeserverd: opening store failed")
		return 1
	}
	defer st.Close()

	heads := roomhead.New(st)

	own, err := keyring.NewOwnKey(cfg.ServerName, eventmodel.KeyID("ed25519:auto"))
	if err != nil {
		logctx.Root.WithError(err).Error("homeserverd: generating signing key failed")
		return 1
	}

	react := reactor.New()
	sched := fiber.New()

	fed := fedclient.NewClient(react, cfg.Origin, string(own.KeyID), own.Private)
	keys := keyring.New(httpKeyFetcher{}, time.Hour, time.Hour)

	metrics.MustRegister()
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	bus, err := pubsub.NewBroker()
	if err != nil {
		logctx.Root.WithError(err).Error("homeserverd: starting in-process commit broker failed")
		return 1
	}
	defer bus.Close()
	if err := bus.Subscribe(logCommit); err != nil {
		logctx.Root.WithError(err).Error("homeserverd: subscribing to commit notifications failed")
		return 1
	}

	machine := vm.New(vm.Config{
		Reactor:  react,
		Sched:    sched,
		Store:    st,
		Heads:    heads,
		Keys:     keys,
		Fed:      fed,
		Bus:      bus,
		MaxQueue: 1024,
	})
	sched.Spawn("vm", fiber.Detached, machine.Run)

	var ln net.Listener
	if cfg.Listen {
		ln, err = net.Listen("tcp", ":8448")
		if err != nil {
			logctx.Root.WithError(err).Error("homeserverd: listening on :8448 failed")
			return 1
		}
		srv := fedserver.New(react, sched, machine, st, keys, own)
		sched.Spawn("fedserver", fiber.Detached, func(f *fiber.Fiber) error {
			return srv.Serve(f, ln)
		})
	}

	go react.Run()
	done := make(chan struct{})
	go func() {
		sched.Run()
		close(done)
	}()

	waitForShutdownSignal()
	logctx.Root.Info("homeserverd: shutting down")

	machine.Stop()
	sched.Stop()
	react.Stop()
	if ln != nil {
		_ = ln.Close()
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logctx.Root.Warn("homeserverd: scheduler did not drain within 10s, exiting anyway")
	}
	return 0
}

// logCommit is the process's own baseline commit subscriber, standing in
// for the read-model caches and sync fan-out a fuller deployment would
// register here instead; it demonstrates the Subscribe call a downstream
// component makes at startup rather than reaching into the pipeline
// itself.
func logCommit(ev pubsub.CommitEvent) {
	log := logctx.WithEvent(ev.RoomID, ev.EventID)
	if ev.SoftFailed {
		log.Debug("homeserverd: commit notification (soft-failed)")
		return
	}
	log.Debug("homeserverd: commit notification")
}

func configureLogging(cfg config.Logging) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logctx.Root.SetLevel(level)
	if cfg.Format == "json" {
		logctx.Root.SetFormatter(&logrus.JSONFormatter{})
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logctx.Root.WithError(err).Warn("homeserverd: metrics endpoint stopped")
	}
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

// httpKeyFetcher answers keyring.Fetcher over a direct, short-timeout HTTP
// request rather than routing through the fiber/reactor I/O path. Key
// lookups are cached for an hour (see the keyring.New call above) and
// happen off the hot commit path, so the brief blocking call this
// involves on a cache miss does not threaten pipeline throughput the way
// a blocking call from inside the VM's own fiber body would; this is a
// deliberate, narrow exception to the "every suspension point goes
// through the reactor" rule, not a precedent for other collaborators.
type httpKeyFetcher struct{}

func (httpKeyFetcher) FetchServerKey(serverName string) (*keyring.ServerKeyResponse, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("https://" + serverName + "/_matrix/key/v2/server")
	if err != nil {
		return nil, fmt.Errorf("homeserverd: fetching key for %s: %w", serverName, err)
	}
	defer resp.Body.Close()

	var out keyring.ServerKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("homeserverd: decoding key response from %s: %w", serverName, err)
	}
	return &out, nil
}
