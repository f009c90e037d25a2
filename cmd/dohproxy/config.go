package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// config mirrors the command line options. File values act as defaults; any
// flag set explicitly on the command line takes precedence.
type config struct {
	ListenAddr   string  `toml:"listen-addr"`
	ListenPort   int     `toml:"listen-port"`
	ResolverURL  string  `toml:"resolver-url"`
	BootstrapDNS string  `toml:"bootstrap-dns"`
	Proxy        string  `toml:"proxy"`
	Method       string  `toml:"method"`
	Transport    string  `toml:"transport"`
	Timeout      string  `toml:"timeout"`
	IPv4Only     bool    `toml:"ipv4"`
	UID          *int    `toml:"uid"`
	GID          *int    `toml:"gid"`
	LogLevel     *uint32 `toml:"log-level"`
	LogFile      string  `toml:"log-file"`
	Syslog       bool    `toml:"syslog"`
	CA           string  `toml:"ca"`
	ClientCrt    string  `toml:"client-crt"`
	ClientKey    string  `toml:"client-key"`
}

// loadConfig reads a config file and returns the decoded structure.
func loadConfig(name string) (config, error) {
	var c config
	f, err := os.Open(name)
	if err != nil {
		return c, err
	}
	defer f.Close()
	_, err = toml.NewDecoder(f).Decode(&c)
	return c, err
}

// apply copies file values into opt for every flag not given on the command line.
func (c config) apply(cmd *cobra.Command, opt *options) {
	flags := cmd.Flags()
	if c.ListenAddr != "" && !flags.Changed("listen-addr") {
		opt.listenAddr = c.ListenAddr
	}
	if c.ListenPort != 0 && !flags.Changed("listen-port") {
		opt.listenPort = c.ListenPort
	}
	if c.ResolverURL != "" && !flags.Changed("resolver-url") {
		opt.resolverURL = c.ResolverURL
	}
	if c.BootstrapDNS != "" && !flags.Changed("bootstrap-dns") {
		opt.bootstrapDNS = c.BootstrapDNS
	}
	if c.Proxy != "" && !flags.Changed("proxy") {
		opt.proxy = c.Proxy
	}
	if c.Method != "" && !flags.Changed("method") {
		opt.method = c.Method
	}
	if c.Transport != "" && !flags.Changed("transport") {
		opt.transport = c.Transport
	}
	if c.Timeout != "" && !flags.Changed("timeout") {
		if d, err := time.ParseDuration(c.Timeout); err == nil {
			opt.timeout = d
		}
	}
	if c.IPv4Only && !flags.Changed("ipv4") {
		opt.ipv4Only = true
	}
	if c.UID != nil && !flags.Changed("uid") {
		opt.uid = *c.UID
	}
	if c.GID != nil && !flags.Changed("gid") {
		opt.gid = *c.GID
	}
	if c.LogLevel != nil && !flags.Changed("log-level") {
		opt.logLevel = *c.LogLevel
	}
	if c.LogFile != "" && !flags.Changed("log-file") {
		opt.logFile = c.LogFile
	}
	if c.Syslog && !flags.Changed("syslog") {
		opt.useSyslog = true
	}
	if c.CA != "" && !flags.Changed("ca") {
		opt.caFile = c.CA
	}
	if c.ClientCrt != "" && !flags.Changed("client-crt") {
		opt.clientCrt = c.ClientCrt
	}
	if c.ClientKey != "" && !flags.Changed("client-key") {
		opt.clientKey = c.ClientKey
	}
}
