package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hopboxdev/bpshell/internal/bp"
	"github.com/hopboxdev/bpshell/internal/config"
	"github.com/hopboxdev/bpshell/internal/driver"
	"github.com/hopboxdev/bpshell/internal/groupalloc"
	"github.com/hopboxdev/bpshell/internal/host"
	"github.com/hopboxdev/bpshell/internal/logging"
	"github.com/hopboxdev/bpshell/internal/secret"
	"github.com/hopboxdev/bpshell/internal/session"
	"github.com/hopboxdev/bpshell/internal/version"
)

// releaseTimeout bounds the port release done on shutdown.
const releaseTimeout = 30 * time.Second

// ServeCmd runs the driver until SIGINT or SIGTERM.
type ServeCmd struct {
	Config string `short:"c" default:"${config_path}" type:"path" help:"Path to driver.toml."`
	Listen string `help:"Override the listen address from the config file."`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hostClient, err := host.New(host.Options{
		URL:     cfg.Host.URL,
		Token:   cfg.Host.Token,
		Domain:  cfg.Host.Domain,
		Timeout: cfg.Appliance.Timeout.Duration,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	dec, err := decrypter(cfg, hostClient)
	if err != nil {
		return err
	}
	password, err := dec.Decrypt(ctx, cfg.Appliance.Password)
	if err != nil {
		return fmt.Errorf("decrypt appliance password: %w", err)
	}

	appliance, err := bp.New(bp.Options{
		Address:     cfg.Appliance.Address,
		User:        cfg.Appliance.User,
		Password:    password,
		InsecureTLS: cfg.Appliance.InsecureTLS,
		Timeout:     cfg.Appliance.Timeout.Duration,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := appliance.Login(ctx); err != nil {
		return err
	}
	logger.Info("logged in to appliance", "address", cfg.Appliance.Address, "user", cfg.Appliance.User)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	alloc := groupalloc.New(appliance,
		groupalloc.WithLogger(logger.With("component", "groupalloc")),
		groupalloc.WithRegisterer(reg),
	)
	sessions := session.NewManager(appliance, hostClient, alloc, session.Options{
		ChassisAddress: cfg.Chassis.Address,
		PollInterval:   cfg.Traffic.PollInterval.Duration,
		TrafficTimeout: cfg.Traffic.Timeout.Duration,
		TestFilesDir:   cfg.Files.TestFilesDir,
		Logger:         logger.With("component", "session"),
	})
	srv := driver.New(sessions,
		driver.WithLogger(logger.With("component", "rpc")),
		driver.WithRegistry(reg),
	)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	logger.Info("bp-driver starting", "version", version.Version, "listen", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})
	serveErr := g.Wait()

	return errors.Join(serveErr, shutdown(logger, sessions, appliance))
}

// shutdown releases every reservation's ports and ends the appliance
// session. It runs after the control API has stopped taking requests.
func shutdown(logger *log.Logger, sessions *session.Manager, appliance *bp.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	var errs []error
	if err := sessions.CloseAll(ctx); err != nil {
		logger.Error("release reservations", "err", err)
		errs = append(errs, err)
	}
	if err := appliance.Logout(ctx); err != nil {
		logger.Warn("appliance logout", "err", err)
	}
	return errors.Join(errs...)
}

// decrypter picks how the appliance password in the config is decrypted.
func decrypter(cfg *config.Config, hostClient *host.Client) (secret.Decrypter, error) {
	switch {
	case cfg.Secret.Plaintext:
		return secret.Plain{}, nil
	case cfg.Secret.KeyFile != "":
		return secret.LoadKey(cfg.Secret.KeyFile)
	default:
		return secret.Host{API: hostClient}, nil
	}
}
