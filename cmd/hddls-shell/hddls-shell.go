package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hddls/pipesink/internal/receiver"
	"github.com/hddls/pipesink/internal/shell"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string
	var defaultServer string

	verbosity := flag.String("verbosity", "warning", "verbosity level")
	flag.StringVar(&config, "c", "receiver.json", "config: path to the configuration file or options separated with semicolons. Only the credentials, Path and HandshakeTimeout are used")
	flag.StringVar(&defaultServer, "s", "localhost:"+receiver.DefaultRemotePort, "server: host:port used when the answer to the server question is empty")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")

	flag.Parse()

	if *askVersion {
		fmt.Printf("hddls-shell %s\n", version)
		return
	}

	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	defaultHost, defaultPort, err := net.SplitHostPort(defaultServer)
	if err != nil {
		log.Fatalf("-s must be host:port: %v", err)
	}

	rawConfig, err := receiver.ParseConfig(config)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Fatal(err)
		}
		rawConfig = new(receiver.RawConfig)
	}
	shellConfig, err := rawConfig.ProcessRawConfig()
	if err != nil {
		log.Fatal(err)
	}

	tlsConfig, err := shellConfig.Credentials.MutualTLSConfig(shellConfig.ServerName)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &shell.Shell{
		In:               os.Stdin,
		Out:              os.Stdout,
		DefaultHost:      defaultHost,
		DefaultPort:      defaultPort,
		Path:             shellConfig.Path,
		TLSConfig:        tlsConfig,
		HandshakeTimeout: shellConfig.HandshakeTimeout,
	}
	if err = s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
