package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	syslog "github.com/RackSec/srslog"
	"github.com/dohproxy/dohproxy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

type options struct {
	listenAddr   string
	listenPort   int
	resolverURL  string
	bootstrapDNS string
	proxy        string
	method       string
	transport    string
	timeout      time.Duration
	ipv4Only     bool
	uid          int
	gid          int
	daemonize    bool
	logLevel     uint32
	logFile      string
	useSyslog    bool
	caFile       string
	clientCrt    string
	clientKey    string
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dohproxy [config.toml]",
		Short: "UDP-to-DoH DNS proxy",
		Long: `UDP-to-DoH DNS proxy.

It listens for plain DNS requests over UDP and forwards
them to a DNS-over-HTTPS resolver, giving applications
that only speak classic DNS an encrypted upstream
transport without modification.

The IP of the resolver itself is learned by polling a
plain DNS bootstrap server in the background, avoiding a
resolution loop when this proxy is the system resolver.
`,
		Example: `  dohproxy -r https://dns.google/dns-query -a 127.0.0.1 -p 53`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(cmd, args, &opt)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&opt.listenAddr, "listen-addr", "a", "127.0.0.1", "address to listen on for DNS queries")
	cmd.Flags().IntVarP(&opt.listenPort, "listen-port", "p", 5053, "port to listen on for DNS queries")
	cmd.Flags().StringVarP(&opt.resolverURL, "resolver-url", "r", "https://dns.google/dns-query", "DoH resolver URL, may contain a {?dns} template for GET")
	cmd.Flags().StringVarP(&opt.bootstrapDNS, "bootstrap-dns", "b", "8.8.8.8:53", "DNS server used to resolve the resolver hostname")
	cmd.Flags().StringVarP(&opt.proxy, "proxy", "t", "", "forward proxy URL, e.g. socks5h://127.0.0.1:1080")
	cmd.Flags().StringVarP(&opt.method, "method", "m", "POST", "DoH query method, POST or GET")
	cmd.Flags().StringVar(&opt.transport, "transport", "tcp", "HTTPS transport, tcp or quic")
	cmd.Flags().DurationVar(&opt.timeout, "timeout", 10*time.Second, "upstream fetch timeout")
	cmd.Flags().BoolVarP(&opt.ipv4Only, "ipv4", "4", false, "only use IPv4 addresses for the resolver")
	cmd.Flags().IntVarP(&opt.uid, "uid", "u", -1, "drop to this uid after binding the listen socket")
	cmd.Flags().IntVarP(&opt.gid, "gid", "g", -1, "drop to this gid after binding the listen socket")
	cmd.Flags().BoolVarP(&opt.daemonize, "daemonize", "d", false, "accepted for compatibility, use a process supervisor instead")
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "v", 4, "log level, 0=panic, 1=fatal, 2=error, 3=warn, 4=info, 5=debug, 6=trace")
	cmd.Flags().StringVarP(&opt.logFile, "log-file", "l", "", "write logs to this file instead of stderr")
	cmd.Flags().BoolVar(&opt.useSyslog, "syslog", false, "send logs to syslog")
	cmd.Flags().StringVar(&opt.caFile, "ca", "", "CA certificate to validate the resolver with, in PEM format")
	cmd.Flags().StringVar(&opt.clientCrt, "client-crt", "", "client certificate file, in PEM format")
	cmd.Flags().StringVar(&opt.clientKey, "client-key", "", "client certificate key file, in PEM format")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(cmd *cobra.Command, args []string, opt *options) error {
	// An optional config file provides defaults, flags given explicitly win
	if len(args) > 0 {
		cfg, err := loadConfig(args[0])
		if err != nil {
			return err
		}
		cfg.apply(cmd, opt)
	}

	if err := setupLogger(opt); err != nil {
		return err
	}

	tlsConfig, err := dohproxy.TLSClientConfig(opt.caFile, opt.clientCrt, opt.clientKey, "")
	if err != nil {
		return err
	}

	endpoint := dohproxy.NewResolverEndpoint(opt.resolverURL)
	client, err := dohproxy.NewHTTPSClient(endpoint, dohproxy.HTTPSClientOptions{
		Method:    opt.method,
		Transport: opt.transport,
		Proxy:     opt.proxy,
		Timeout:   opt.timeout,
		TLSConfig: tlsConfig,
	})
	if err != nil {
		return err
	}

	listener := dohproxy.NewDNSListener("udp", net.JoinHostPort(opt.listenAddr, strconv.Itoa(opt.listenPort)))
	if err := listener.Listen(); err != nil {
		return err
	}

	// Drop privileges once the socket is bound
	if opt.gid != -1 {
		if err := unix.Setgid(opt.gid); err != nil {
			dohproxy.Log.WithError(err).Fatal("failed to set gid")
		}
	}
	if opt.uid != -1 {
		if err := unix.Setuid(opt.uid); err != nil {
			dohproxy.Log.WithError(err).Fatal("failed to set uid")
		}
	}
	if opt.daemonize {
		dohproxy.Log.Warn("daemonize is not supported, run under a process supervisor instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGPIPE is never fatal, mirror that explicitly
	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		for range sigpipe {
			dohproxy.Log.Error("received SIGPIPE, ignoring")
		}
	}()

	bootstrap := dohproxy.NewBootstrap(endpoint, opt.proxy)
	if bootstrap.Enabled() {
		poller := dohproxy.NewDNSPoller(endpoint.Hostname, opt.bootstrapDNS, bootstrap.OnResolved, dohproxy.DNSPollerOptions{
			IPv4Only: opt.ipv4Only,
		})
		go poller.Start(ctx)
		dohproxy.Log.WithField("hostname", endpoint.Hostname).Info("DNS polling initialized")
	}

	proxy := dohproxy.NewProxy(listener, client, bootstrap)
	return listener.Start(ctx, proxy)
}

func setupLogger(opt *options) error {
	log := dohproxy.Log
	log.SetLevel(logrus.Level(opt.logLevel))
	switch {
	case opt.useSyslog:
		w, err := syslog.Dial("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, "dohproxy")
		if err != nil {
			return err
		}
		log.SetOutput(w)
	case opt.logFile != "":
		f, err := os.OpenFile(opt.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	return nil
}
