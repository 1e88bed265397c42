// Command meshd runs the mesh protocol daemon: Broadcast State
// Synchronisation and Bulk Data Collection over a shared UDP event loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lumenmesh/meshproto/internal/bss"
	"github.com/lumenmesh/meshproto/internal/config"
	"github.com/lumenmesh/meshproto/internal/dispatch"
	"github.com/lumenmesh/meshproto/internal/metrics"
	"github.com/lumenmesh/meshproto/internal/netio"
	"github.com/lumenmesh/meshproto/internal/server"
	appversion "github.com/lumenmesh/meshproto/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// alwaysAssociated reports the node as always network-associated. A real
// deployment with a link-state monitor would implement bss.NetworkState
// against interface-up/down events instead.
type alwaysAssociated struct{}

func (alwaysAssociated) Associated() bool { return true }

// dispatchedBSS posts inbound BSS frames onto the dispatcher's single
// goroutine instead of handling them on the socket's own receive
// goroutine, so the Engine never races with a Trickle timer fire (spec
// component G: every scheduled callback runs on one cooperative loop).
type dispatchedBSS struct {
	disp   *dispatch.Dispatcher
	engine *bss.Engine
}

func (d dispatchedBSS) HandleInbound(frame []byte) {
	d.disp.Post(func() { d.engine.HandleInbound(frame) })
}

// dispatchedBDC is dispatchedBSS's counterpart for the BDC socket.
type dispatchedBDC struct {
	disp *dispatch.Dispatcher
	host *bdcHost
}

func (d dispatchedBDC) HandleFrame(peer netip.AddrPort, frame []byte) {
	d.disp.Post(func() { d.host.HandleFrame(peer, frame) })
}

func run() error {
	configPath := flag.String("config", "", "path to meshd YAML configuration file")
	dev := flag.Bool("dev", false, "use human-readable text logging instead of JSON")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("meshd"))
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log, *dev)
	logger.Info("meshd starting", slog.String("version", appversion.Version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	disp := dispatch.New(logger, dispatch.Config{})

	group := cfg.Mesh.MulticastGroup
	if zoneIdx := strings.IndexByte(group, '%'); zoneIdx >= 0 {
		group = group[:zoneIdx]
	}
	groupAddr, err := netip.ParseAddr(group)
	if err != nil {
		return fmt.Errorf("parse multicast group %q: %w", cfg.Mesh.MulticastGroup, err)
	}

	mcast, err := netio.NewMulticastSocket(netio.MulticastConfig{
		Group:     groupAddr,
		Port:      cfg.Mesh.MulticastPort,
		Interface: cfg.Mesh.Interface,
	}, logger)
	if err != nil {
		return fmt.Errorf("create multicast socket: %w", err)
	}

	engine := bss.NewEngine(bss.Config{
		IMin: cfg.Mesh.TrickleIMin,
		IMax: cfg.Mesh.TrickleIMax,
		K:    cfg.Mesh.TrickleK,
	}, mcast, alwaysAssociated{}, disp, collector, logger)

	for _, item := range cfg.Items {
		if _, err := engine.Register(item.DataID, []byte(item.Initial), nil); err != nil {
			return fmt.Errorf("register item %d: %w", item.DataID, err)
		}
	}

	bdcSocket, err := netio.NewUnicastSocket(cfg.Mesh.BDCPort, logger)
	if err != nil {
		return fmt.Errorf("create bdc socket: %w", err)
	}
	bdcHost := newBDCHost(bdcSocket, disp, collector, logger, cfg.Mesh.BDCPeriodMS, cfg.Mesh.BDCFaultRate)

	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.New(engine, bdcHost, logger),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: metricsMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return disp.Run(gctx)
	})
	g.Go(func() error {
		return mcast.Run(gctx, dispatchedBSS{disp: disp, engine: engine})
	})
	g.Go(func() error {
		return bdcSocket.Run(gctx, dispatchedBDC{disp: disp, host: bdcHost})
	})
	g.Go(func() error {
		return serveUntilDone(gctx, httpSrv, logger, "control-plane")
	})
	g.Go(func() error {
		return serveUntilDone(gctx, metricsSrv, logger, "metrics")
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("meshd: %w", err)
	}
	logger.Info("meshd stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		return cfg, config.Validate(cfg)
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig, dev bool) *slog.Logger {
	level := config.ParseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if dev || cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// serveUntilDone runs srv until ctx is cancelled, then shuts it down
// gracefully.
func serveUntilDone(ctx context.Context, srv *http.Server, logger *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
