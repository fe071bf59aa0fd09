package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/config"
	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/listener"
	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/metrics"
	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/resolver"
	"github.io/kevin-rd/k8s-tools/socks5-relay/internal/socks5"
)

func init() {
	log.SetFormatter(&nested.Formatter{
		NoColors: false,
	})
	log.SetReportCaller(true)
	log.SetLevel(log.DebugLevel)
}

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := setupLogger(cfg.LogConf); err != nil {
		log.Fatalf("invalid log level: %v", err)
	}

	log.Info("Welcome go socks5!")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		count := 0
		for sig := range stopCh {
			count++
			log.Debugf("Receive signal: %v, count: %d", sig, count)

			if count == 1 {
				log.Info("First signal received, initiating graceful shutdown...")
				cancel()
			} else {
				log.Warn("Receive signal again, force exit.")
				os.Exit(1)
			}
		}
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Info("Shutdown done.")
}

func run(ctx context.Context, cfg *config.Config) error {
	ka := cfg.KeepAlive()

	opts := socks5.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		DialTimeout:      cfg.DialConf.Timeout,
		Dialer:           &net.Dialer{KeepAliveConfig: ka},
	}
	if cfg.Nameserver != "" {
		r, err := resolver.New(cfg.Nameserver, cfg.DialConf.Timeout)
		if err != nil {
			return err
		}
		opts.Resolver = r
		log.Infof("Resolving destinations via %s", cfg.Nameserver)
	}

	ln, err := listener.Listen(ctx, listener.Config{
		Address:            cfg.ServerConf.Listen,
		KeepAlive:          ka,
		ReuseAddr:          cfg.ReuseAddr,
		ProxyProtocol:      cfg.ProxyProtocol,
		ProxyHeaderTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// metrics server
	if cfg.MetricsConf.Listen != "" {
		g.Go(func() error {
			log.Info("Starting metrics server on ", cfg.MetricsConf.Listen)
			err := metrics.StartServer(ctx, cfg.MetricsConf.Listen)
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("Metrics server has gracefully shutdown.")
				return nil
			}
			return err
		})
	}

	// socks5 server
	g.Go(func() error {
		log.Infof("Socks5 server listening on %s", ln.Addr())
		return socks5.NewServer(opts, cfg.MaxConnections).Serve(ctx, ln)
	})

	return g.Wait()
}

func setupLogger(c config.LogConf) error {
	level, err := log.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	log.SetFormatter(&nested.Formatter{
		NoColors: c.NoColors,
	})
	log.SetLevel(level)
	return nil
}
