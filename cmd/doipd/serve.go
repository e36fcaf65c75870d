package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eshenhu/doipgw/doip"
	"github.com/eshenhu/doipgw/internal/config"
	dlog "github.com/eshenhu/doipgw/internal/log"
	"github.com/eshenhu/doipgw/subnet"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var noAnnounce bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DoIP entity",
		Long: `Run the DoIP entity until SIGINT or SIGTERM.

Every address in routing.subnet_addresses is served by an echo ECU on the
loopback sub-network. Vehicle announcements are sent to network.announce_addr
at startup.`,
		Example: `  doipd serve --config configs/doipd.yaml
  DOIPD_LOG_LEVEL=debug doipd serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root.configPath, !noAnnounce)
		},
	}
	cmd.Flags().BoolVar(&noAnnounce, "no-announce", false, "Skip the vehicle announcements at startup")
	return cmd
}

func runServe(ctx context.Context, configPath string, announce bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closer, err := dlog.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	id, err := cfg.Identity()
	if err != nil {
		return err
	}
	dcfg, err := cfg.DoIP()
	if err != nil {
		return err
	}
	identity := doip.NewStaticIdentity(id)

	link := subnet.NewLoopback(dcfg.OutboundQueue, logger.WithField("component", "subnet"))
	for _, la := range dcfg.SubnetAddresses {
		link.Attach(la, subnet.Echo)
	}

	srv := doip.NewServer(dcfg, identity, link, logger)
	srv.Policy = doip.DefaultPolicy{RequireAuthentication: cfg.Routing.RequireAuthentication}
	link.Start(srv.Router())
	defer link.Close()

	l, err := listen(cfg.Network)
	if err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp4", cfg.Network.UDPListen)
	if err != nil {
		l.Close()
		return fmt.Errorf("listen udp: %w", err)
	}

	disc := doip.NewDiscovery(dcfg, identity, logger)
	disc.Status = srv.EntityStatus
	disc.ResponseDelay = doip.RandomDelay(srv.Config().AnnounceWait)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(l)
	})
	g.Go(func() error {
		return disc.Serve(ctx, pc)
	})
	if announce {
		g.Go(func() error {
			dst, err := net.ResolveUDPAddr("udp4", cfg.Network.AnnounceAddr)
			if err != nil {
				return fmt.Errorf("announce address: %w", err)
			}
			if err := disc.Announce(ctx, pc, dst); err != nil && ctx.Err() == nil {
				logger.Warnf("announcement failed: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Infof("Shutting down")
		return srv.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func listen(nc config.NetworkConfig) (net.Listener, error) {
	if !nc.TLS.Enabled {
		l, err := net.Listen("tcp", nc.TCPListen)
		if err != nil {
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
		return l, nil
	}

	cert, err := tls.LoadX509KeyPair(nc.TLS.CertFile, nc.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	l, err := tls.Listen("tcp", nc.TCPListen, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return nil, fmt.Errorf("listen tcp-tls: %w", err)
	}
	return l, nil
}
