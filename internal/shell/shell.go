// Package shell is an interactive front end over the same mutual TLS websocket the
// receiver uses. Typed lines go to the server as text messages and whatever comes back
// is printed.
package shell

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hddls/pipesink/internal/common"
	"github.com/hddls/pipesink/internal/transport"
	log "github.com/sirupsen/logrus"
)

const (
	Prompt         = "command> "
	serverQuestion = "please enter server host & port"
	closedNotice   = "\nserver close the connection, please close client by CTRL + C"
)

// AskServer keeps asking for host:port until it gets one. An empty answer picks the defaults.
func AskServer(scanner *bufio.Scanner, out io.Writer, defaultHost, defaultPort string) (string, string, error) {
	for {
		fmt.Fprintln(out, serverQuestion)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", "", err
			}
			return "", "", io.ErrUnexpectedEOF
		}
		answer := strings.TrimSpace(scanner.Text())
		if answer == "" {
			fmt.Fprintf(out, "use default setting %v:%v\n", defaultHost, defaultPort)
			return defaultHost, defaultPort, nil
		}
		sp := strings.Split(answer, ":")
		if len(sp) == 2 && sp[0] != "" && sp[1] != "" {
			return sp[0], sp[1], nil
		}
	}
}

type Shell struct {
	In  io.Reader
	Out io.Writer

	DefaultHost string
	DefaultPort string
	Path        string

	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	Dialer           common.Dialer
}

// Run asks for a server, connects and forwards lines until the server closes the
// connection, the input ends or ctx is cancelled
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.In)
	host, port, err := AskServer(scanner, s.Out, s.DefaultHost, s.DefaultPort)
	if err != nil {
		return err
	}

	conn := transport.NewConn(transport.Config{
		Host:             host,
		Port:             port,
		Path:             s.Path,
		TLSConfig:        s.TLSConfig,
		HandshakeTimeout: s.HandshakeTimeout,
		Dialer:           s.Dialer,
	})
	if err = conn.Open(ctx); err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() {
		served <- conn.Serve(transport.Handlers{
			OnOpen: func() { fmt.Fprint(s.Out, Prompt) },
			OnMessage: func(frame common.Frame) {
				fmt.Fprintf(s.Out, "%s\n", frame.Payload)
				fmt.Fprint(s.Out, Prompt)
			},
			OnClose: func() { fmt.Fprintln(s.Out, closedNotice) },
			OnError: func(err error) { log.Debugf("connection error: %v", err) },
		})
	}()

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				conn.Close()
				return <-served
			}
			if err := conn.SendText(line); err != nil {
				log.Debugf("failed to send %q: %v", line, err)
			}
		case err := <-served:
			return err
		case <-ctx.Done():
			conn.Close()
			<-served
			return ctx.Err()
		}
	}
}
