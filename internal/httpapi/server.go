// Package httpapi exposes a small local admin surface over the running
// node: link/peer/transfer status for a dashboard or health check. It
// never carries chat traffic — that moves over the mesh transport only.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"offgrid/internal/mesh"
	"offgrid/internal/protocol"
)

// Server is the Echo application backing the admin surface.
type Server struct {
	echo *echo.Echo

	localAddr protocol.Address
	localNick string
	links     *mesh.LinkManager
	gossip    *mesh.Gossip
	transfers TransferStatus
}

// TransferStatus reports in-flight file transfers for the status surface.
// Implemented by *transfer.Receiver; kept as an interface here so httpapi
// does not need to import transfer's concrete types.
type TransferStatus interface {
	InProgress(addr protocol.Address) bool
}

// New constructs an Echo app with the node's admin routes.
func New(localAddr protocol.Address, localNick string, links *mesh.LinkManager, gossip *mesh.Gossip, transfers TransferStatus) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:      e,
		localAddr: localAddr,
		localNick: localNick,
		links:     links,
		gossip:    gossip,
		transfers: transfers,
	}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/links", s.handleLinks)
	s.echo.GET("/peers", s.handlePeers)
	s.echo.GET("/transfers/:addr", s.handleTransferStatus)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down admin http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("admin http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Addr   string `json:"addr"`
	Nick   string `json:"nick"`
	Links  int    `json:"links"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Addr:   string(s.localAddr),
		Nick:   s.localNick,
		Links:  s.links.Count(),
	})
}

type linkInfo struct {
	Addr      string `json:"addr"`
	Nick      string `json:"nick"`
	Direction string `json:"direction"`
}

func (s *Server) handleLinks(c echo.Context) error {
	links := s.links.Snapshot()
	out := make([]linkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, linkInfo{Addr: string(l.Addr), Nick: l.Nick, Direction: l.Direction.String()})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handlePeers(c echo.Context) error {
	peers := s.gossip.KnownPeers()
	if peers == nil {
		peers = []protocol.PeerEntry{}
	}
	return c.JSON(http.StatusOK, peers)
}

type transferStatusResponse struct {
	Addr       string `json:"addr"`
	InProgress bool   `json:"in_progress"`
}

func (s *Server) handleTransferStatus(c echo.Context) error {
	addr := protocol.Address(c.Param("addr"))
	return c.JSON(http.StatusOK, transferStatusResponse{
		Addr:       string(addr),
		InProgress: s.transfers.InProgress(addr),
	})
}
