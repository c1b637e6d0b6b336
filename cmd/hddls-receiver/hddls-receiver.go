package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/hddls/pipesink/internal/receiver"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var config string
	var remoteHost string
	var remotePort string
	var hostsFile string
	var outputDir string
	var overflow string
	var statusAddr string

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&config, "c", "receiver.json", "config: path to the configuration file or options separated with semicolons")
	flag.StringVar(&remoteHost, "s", "", "remoteHost: connect to this server instead of asking which one from the hosts file")
	flag.StringVar(&remotePort, "p", receiver.DefaultRemotePort, "remotePort: port of the server")
	flag.StringVar(&hostsFile, "hosts", receiver.DefaultHostsFile, "hostsFile: file listing the servers to choose from, one per line")
	flag.StringVar(&outputDir, "o", ".", "outputDir: where the pipe_<id> directories are written")
	flag.StringVar(&overflow, "overflow", "drop-oldest", "overflow: what to do when a pipe's queue is full, drop-oldest or block")
	flag.StringVar(&statusAddr, "status", "", "statusAddr: serve the status API on this address")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")

	flag.Parse()

	if *askVersion {
		fmt.Printf("hddls-receiver %s\n", version)
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

	configSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "c" {
			configSet = true
		}
	})

	rawConfig, err := receiver.ParseConfig(config)
	if err != nil {
		if configSet || !errors.Is(err, fs.ErrNotExist) {
			log.Fatal(err)
		}
		log.Infof("%v not found, using defaults", config)
		rawConfig = new(receiver.RawConfig)
	}

	// commandline argument takes precedence over json
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s":
			rawConfig.RemoteHost = remoteHost
		case "p":
			rawConfig.RemotePort = remotePort
		case "hosts":
			rawConfig.HostsFile = hostsFile
		case "o":
			rawConfig.OutputDir = outputDir
		case "overflow":
			rawConfig.Overflow = overflow
		case "status":
			rawConfig.StatusAddr = statusAddr
		}
	})

	receiverConfig, err := rawConfig.ProcessRawConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &receiver.Receiver{
		Config: receiverConfig,
		In:     os.Stdin,
		Out:    os.Stdout,
	}
	if err = r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
