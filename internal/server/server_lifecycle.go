package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// TLSConfig names the certificate files for StartAsyncTLS.
type TLSConfig struct {
	CertPath string
	KeyPath  string
}

// StartAsync listens on the configured address and serves in a goroutine.
// The channel yields nil once the listener is bound, or the bind error.
func (s *Server) StartAsync() <-chan error {
	return s.start(nil)
}

// StartAsyncTLS is StartAsync over TLS 1.2+. Plaintext connections are
// refused.
func (s *Server) StartAsyncTLS(cfg TLSConfig) <-chan error {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		errCh := make(chan error, 1)
		errCh <- fmt.Errorf("load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}
	return s.start(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func (s *Server) start(tlsCfg *tls.Config) <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	// Report the bound address, which differs from the configured one for
	// ":0".
	s.addr = ln.Addr().String()
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	handler := s.Handler()
	s.mu.Lock()
	s.tlsEnabled = tlsCfg != nil
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("server listening", zap.String("addr", s.addr), zap.Bool("tls", tlsCfg != nil))
	errCh <- nil
	close(errCh)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", zap.Error(err))
		}
	}()
	return errCh
}

// Stop closes websocket clients, stops the broadcaster and shuts the HTTP
// server down, waiting for in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]bool)
	close(s.broadcast)
	started := s.broadcasterStarted
	srv := s.httpServer
	s.mu.Unlock()

	if s.registry != nil {
		s.registry.SetObserver(nil)
	}
	if started {
		<-s.broadcasterDone
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return err
	}
	return nil
}
