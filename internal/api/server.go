// Package api serves the powerd control API: HTTP/JSON over a Unix
// socket. The caller's identity comes from the socket's peer credentials,
// and every connection is a profile-hold owner whose hold is released
// when the connection closes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/daemon"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/state"
)

// Server serves the powerd REST API over a Unix socket.
type Server struct {
	daemon   *daemon.Daemon
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context

	peer  func(net.Conn) (authz.Caller, error)
	conns sync.Map // net.Conn -> *connInfo
	done  chan struct{}
}

type connKey struct{}

// connInfo is what the server knows about one client connection.
type connInfo struct {
	caller  authz.Caller
	credErr error
	owner   profile.Owner
}

// NewServer creates an API server backed by the given daemon.
func NewServer(d *daemon.Daemon, ctx context.Context) *Server {
	s := &Server{
		daemon: d,
		logger: slog.With("component", "api"),
		ctx:    ctx,
		peer:   peerCredentials,
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/graphics", s.getGraphics)
	mux.HandleFunc("PUT /v1/graphics", s.setGraphics)
	mux.HandleFunc("POST /v1/graphics/accept", s.acceptHardwareMode)
	mux.HandleFunc("PUT /v1/graphics/power", s.setDiscretePower)
	mux.HandleFunc("GET /v1/profile", s.getProfile)
	mux.HandleFunc("PUT /v1/profile", s.setProfile)
	mux.HandleFunc("DELETE /v1/profile/hold", s.releaseHold)
	mux.HandleFunc("GET /v1/hardware", s.getHardware)
	mux.HandleFunc("GET /v1/transaction", s.getTransaction)
	mux.HandleFunc("GET /v1/events", s.events)
	mux.HandleFunc("GET /v1/health", s.health)

	s.server = &http.Server{
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
		ConnContext: s.connContext,
		ConnState:   s.connState,
	}
	s.server.RegisterOnShutdown(func() { close(s.done) })
	return s
}

// ListenUnix starts the server on a Unix socket, replacing a stale socket
// file and applying mode to the new one.
func (s *Server) ListenUnix(path string, mode os.FileMode) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("setting socket mode: %w", err)
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path, "mode", fmt.Sprintf("%04o", mode))
	return s.server.Serve(ln)
}

// Shutdown stops accepting connections, ends event streams and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	info := &connInfo{owner: profile.Owner("conn:" + uuid.NewString())}
	info.caller, info.credErr = s.peer(c)
	if info.credErr != nil {
		s.logger.Warn("no peer credentials for connection", "error", info.credErr)
	}
	s.conns.Store(c, info)
	return context.WithValue(ctx, connKey{}, info)
}

// connState releases the connection's profile hold once it closes.
func (s *Server) connState(c net.Conn, st http.ConnState) {
	if st != http.StateClosed && st != http.StateHijacked {
		return
	}
	v, ok := s.conns.LoadAndDelete(c)
	if !ok {
		return
	}
	owner := v.(*connInfo).owner
	go func() {
		if err := s.daemon.OnDisconnect(owner); err != nil {
			s.logger.Error("releasing hold of closed connection", "owner", owner, "error", err)
		}
	}()
}

// request builds the daemon request for r, or writes a 403 when the
// caller cannot be identified.
func (s *Server) request(w http.ResponseWriter, r *http.Request) (daemon.Request, bool) {
	info, _ := r.Context().Value(connKey{}).(*connInfo)
	if info == nil || info.credErr != nil {
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error: "caller identity unavailable",
			Kind:  KindDenied,
		})
		return daemon.Request{}, false
	}
	return daemon.Request{
		Caller:    info.caller,
		Transport: "http",
		Owner:     info.owner,
		Wait:      r.URL.Query().Get("wait") == "true",
	}, true
}

func (s *Server) getGraphics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Graphics())
}

type graphicsRequest struct {
	Mode string `json:"mode"`
}

type outcomeResponse struct {
	Outcome  string `json:"outcome"`
	Graphics any    `json:"graphics"`
}

func (s *Server) setGraphics(w http.ResponseWriter, r *http.Request) {
	var body graphicsRequest
	if !decode(w, r, &body) {
		return
	}
	mode, err := state.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, err)
		return
	}
	req, ok := s.request(w, r)
	if !ok {
		return
	}
	outcome, err := s.daemon.SetGraphicsMode(r.Context(), req, mode)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: string(outcome), Graphics: s.daemon.Graphics()})
}

func (s *Server) acceptHardwareMode(w http.ResponseWriter, r *http.Request) {
	req, ok := s.request(w, r)
	if !ok {
		return
	}
	mode, err := s.daemon.AcceptHardwareMode(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode, "graphics": s.daemon.Graphics()})
}

type powerRequest struct {
	Power string `json:"power"`
}

func (s *Server) setDiscretePower(w http.ResponseWriter, r *http.Request) {
	var body powerRequest
	if !decode(w, r, &body) {
		return
	}
	power, err := state.ParsePower(body.Power)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, err)
		return
	}
	req, ok := s.request(w, r)
	if !ok {
		return
	}
	outcome, err := s.daemon.SetDiscretePower(r.Context(), req, power)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: string(outcome), Graphics: s.daemon.Graphics()})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Profile())
}

type profileRequest struct {
	Profile string `json:"profile"`
	Hold    bool   `json:"hold"`
}

func (s *Server) setProfile(w http.ResponseWriter, r *http.Request) {
	var body profileRequest
	if !decode(w, r, &body) {
		return
	}
	p, err := profile.Parse(body.Profile)
	if err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, err)
		return
	}
	req, ok := s.request(w, r)
	if !ok {
		return
	}
	if err := s.daemon.SetProfile(r.Context(), req, p, body.Hold); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Profile())
}

func (s *Server) releaseHold(w http.ResponseWriter, r *http.Request) {
	req, ok := s.request(w, r)
	if !ok {
		return
	}
	if err := s.daemon.ReleaseProfileHold(r.Context(), req); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Profile())
}

func (s *Server) getHardware(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Hardware())
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Transaction())
}

// events streams notifications as server-sent events until the client
// goes away or the server shuts down.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, KindInternal, errors.New("streaming unsupported"))
		return
	}
	events, cancel := s.daemon.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("encoding event", "kind", e.Kind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, resp := errorStatus(err)
	if status >= 500 {
		s.logger.Error("request failed", "kind", resp.Kind, "error", err)
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, KindInvalid, fmt.Errorf("decoding request body: %w", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
