package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/plantline/plantline/internal/api"
	"github.com/plantline/plantline/internal/profile"
	"go.uber.org/zap"
)

// Server manages the HTTP control API bound to the profile's Unix domain
// socket.
type Server struct {
	http       *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates the control server on the profile's socket.
func NewServer(p Params, logger *zap.Logger, handler *api.Handler) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		http:       &http.Server{Handler: handler.Routes()},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	_ = s.http.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}
