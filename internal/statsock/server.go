// Package statsock exposes the master's aggregated stats over a unix
// domain socket. Each accepted connection receives one JSON dump and
// is closed; the status CLI verb is the intended client.
package statsock

import (
	"encoding/json"
	"io"
	"net"
	"os"

	"github.com/toregeschliman/puma/pkg/logger"
)

// Source produces the current stats snapshot.
type Source func() any

type Server struct {
	path   string
	source Source
	ln     net.Listener
	log    logger.Logger
}

func New(path string, source Source, log logger.Logger) *Server {
	return &Server{path: path, source: source, log: log}
}

// Start binds the socket and begins serving snapshots. A stale socket
// file from a previous run is removed first.
func (s *Server) Start() error {
	if _, err := os.Stat(s.path); err == nil {
		os.Remove(s.path)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	os.Chmod(s.path, 0o700)
	s.ln = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			enc := json.NewEncoder(conn)
			if err := enc.Encode(s.source()); err != nil {
				s.log.Warn("Stats: encode failed", "err", err)
			}
			conn.Close()
		}
	}()

	s.log.Info("Stats socket listening", "path", s.path)
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.path)
}

// Fetch dials a stats socket and returns the raw JSON snapshot.
func Fetch(path string) ([]byte, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return io.ReadAll(conn)
}
