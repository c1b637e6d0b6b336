// Package receiver wires server selection, the mutual TLS transport, the demultiplexer,
// the directory store and the ledger into one receiving session.
package receiver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/demux"
	"github.com/hddls/pipesink/internal/ledger"
	"github.com/hddls/pipesink/internal/store"
	"github.com/hddls/pipesink/internal/transport"
	log "github.com/sirupsen/logrus"
)

type Receiver struct {
	Config Config

	// In and Out are the operator's console, used to pick a server from the hosts file
	In  io.Reader
	Out io.Writer

	// Dialer is a net.Dialer if nil
	Dialer     common.Dialer
	WorldState common.WorldState
}

// Run receives one connection's worth of frames. It returns once the server closes the
// connection or ctx is cancelled, after every queued chunk has been written.
func (r *Receiver) Run(ctx context.Context) error {
	if r.WorldState.Now == nil {
		r.WorldState = common.RealWorldState
	}

	host, err := r.chooseHost()
	if err != nil {
		return err
	}

	tlsConfig, err := r.Config.Credentials.MutualTLSConfig(r.Config.ServerName)
	if err != nil {
		return err
	}

	var led ledger.Ledger
	if r.Config.LedgerPath != "" {
		led, err = ledger.MakeLocalLedger(r.Config.LedgerPath)
		if err != nil {
			return err
		}
		log.Infof("Recording pipe totals in %v", r.Config.LedgerPath)
	} else {
		led = &ledger.VoidLedger{}
	}
	defer led.Close()

	table := demux.NewPipeTable(r.WorldState)
	d := demux.MakeDemultiplexer(demux.Config{
		Store:      store.NewDirStore(r.Config.OutputDir),
		Table:      table,
		QueueDepth: r.Config.QueueDepth,
		Overflow:   r.Config.Overflow,
		Valve:      demux.MakeValve(r.Config.WriteRate),
		Recorder:   led,
		WorldState: r.WorldState,
	})
	defer d.Close()

	if r.Config.StatusAddr != "" {
		srv, err := r.serveStatus(ledger.APIRouterOf(led, table))
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	conn := transport.NewConn(transport.Config{
		Host:             host,
		Port:             r.Config.RemotePort,
		Path:             r.Config.Path,
		TLSConfig:        tlsConfig,
		HandshakeTimeout: r.Config.HandshakeTimeout,
		Dialer:           r.Dialer,
	})
	if err = conn.Open(ctx); err != nil {
		return err
	}
	start := r.WorldState.Now()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("Closing connection")
			conn.Close()
		case <-stop:
		}
	}()

	return conn.Serve(transport.Handlers{
		OnOpen: func() {
			log.Infof("Connected to %v", net.JoinHostPort(host, r.Config.RemotePort))
		},
		OnMessage: func(frame common.Frame) {
			// failures are logged by the demultiplexer and never end the session
			_ = d.Dispatch(frame)
		},
		OnClose: func() {
			log.Infof("Connection closed after %v", r.WorldState.Since(start))
		},
		OnError: func(err error) {
			log.Errorf("Connection error: %v", err)
		},
	})
}

func (r *Receiver) chooseHost() (string, error) {
	if r.Config.RemoteHost != "" {
		return r.Config.RemoteHost, nil
	}
	hosts, err := common.ReadHostList(r.Config.HostsFile)
	if err != nil {
		return "", err
	}
	return common.ChooseHost(r.In, r.Out, hosts)
}

func (r *Receiver) serveStatus(handler http.Handler) (*http.Server, error) {
	listener, err := net.Listen("tcp", r.Config.StatusAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler}
	go func() {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Status API stopped: %v", err)
		}
	}()
	log.Infof("Status API listening on %v", listener.Addr())
	return srv, nil
}
