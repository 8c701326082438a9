// Command mdnsctl claims a host name, advertises services and queries the
// local link over multicast DNS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	mdns "github.com/bino7/mdnsd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var (
	hostName    = flag.String("host", "", "host name to claim (default: this machine's)")
	ifaceName   = flag.String("iface", "", "multicast interface (default: all)")
	domain      = flag.String("domain", "local", "mDNS domain")
	timeout     = flag.Duration("timeout", 3*time.Second, "resolve/browse timeout")
	metricsAddr = flag.String("metrics", "", "serve prometheus metrics on this address")
	debug       = flag.Bool("debug", false, "log at debug level")
)

const usage = `usage: mdnsctl [flags] <command> [args]

commands:
  serve                                    claim the host name and answer queries
  register <instance> <service> <port> [txt...]  advertise a service until interrupted
  resolve <host>                           print the address of a host
  browse <service>                         list instances of a service type

flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "mdnsctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	logger := &log.Logger{Handler: cli.New(os.Stderr), Level: log.InfoLevel}
	if *debug {
		logger.Level = log.DebugLevel
	}
	cfg := &mdns.Config{
		HostName:   *hostName,
		Domain:     *domain,
		Logger:     logger,
		Registerer: prometheus.DefaultRegisterer,
	}
	if *ifaceName != "" {
		iface, err := net.InterfaceByName(*ifaceName)
		if err != nil {
			return err
		}
		cfg.Interface = iface
	}
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	var conn *mdns.Conn
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		mdns.Module,
		fx.Populate(&conn),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := app.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("shutdown")
		}
	}()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		return wait(logger, conn)
	case "register":
		if len(rest) < 3 {
			return errors.New("register needs <instance> <service> <port>")
		}
		port, err := strconv.Atoi(rest[2])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", rest[2], err)
		}
		if err := conn.RegisterService(rest[0], rest[1], port, "", rest[3:]); err != nil {
			return err
		}
		return wait(logger, conn)
	case "resolve":
		if len(rest) != 1 {
			return errors.New("resolve needs <host>")
		}
		ip, err := conn.ResolveHostname(rest[0], *timeout)
		if err != nil {
			return err
		}
		fmt.Println(ip)
		return nil
	case "browse":
		if len(rest) != 1 {
			return errors.New("browse needs <service>")
		}
		entries, err := conn.DiscoverServices(rest[0], *timeout)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s:%d\t%v\n", e.Instance, e.Addr(), e.Port, e.Text)
		}
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// wait blocks until an interrupt or a fatal engine error.
func wait(logger log.Interface, conn *mdns.Conn) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	logger.Infof("serving as %s", conn.HostName())
	select {
	case <-sig:
		return nil
	case <-conn.Done():
		return conn.Err()
	}
}
