// Package dbus exposes the daemon on the system bus, the interface
// desktop clients historically use. Holds are keyed by the caller's
// unique bus name and released when that name leaves the bus.
package dbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	godbus "github.com/godbus/dbus/v5"

	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/daemon"
	"github.com/benaskins/powerd/internal/profile"
)

const (
	DefaultBusName = "com.github.benaskins.Powerd"
	ObjectPath     = godbus.ObjectPath("/com/github/benaskins/Powerd")
	Interface      = "com.github.benaskins.Powerd"

	busInterface = "org.freedesktop.DBus"
)

// Service owns the bus name and bridges method calls, signals and client
// lifetime to the daemon.
type Service struct {
	daemon  *daemon.Daemon
	conn    *godbus.Conn
	busName string
	logger  *slog.Logger

	// Overridable for tests.
	lookup func(ctx context.Context, sender string) (authz.Caller, error)
	emit   func(member string, values ...any) error

	wg sync.WaitGroup
}

// New creates a service on conn. Call Start to claim the name.
func New(d *daemon.Daemon, conn *godbus.Conn, busName string) *Service {
	if busName == "" {
		busName = DefaultBusName
	}
	s := &Service{
		daemon:  d,
		conn:    conn,
		busName: busName,
		logger:  slog.With("component", "dbus"),
	}
	s.lookup = s.callerFromBus
	s.emit = func(member string, values ...any) error {
		return s.conn.Emit(ObjectPath, Interface+"."+member, values...)
	}
	return s
}

// Start exports the object, claims the bus name and starts forwarding
// notifications and client departures. Background work ends with ctx.
func (s *Service) Start(ctx context.Context) error {
	if err := s.conn.Export(&object{s: s}, ObjectPath, Interface); err != nil {
		return fmt.Errorf("exporting %s: %w", ObjectPath, err)
	}

	reply, err := s.conn.RequestName(s.busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name %s: %w", s.busName, err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already owned", s.busName)
	}

	if err := s.conn.AddMatchSignal(
		godbus.WithMatchSender(busInterface),
		godbus.WithMatchInterface(busInterface),
		godbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("watching bus clients: %w", err)
	}
	signals := make(chan *godbus.Signal, 64)
	s.conn.Signal(signals)

	events, cancel := s.daemon.Subscribe()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.watchClients(ctx, signals)
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.forward(ctx, events)
	}()

	s.logger.Info("system bus service started", "name", s.busName, "path", ObjectPath)
	return nil
}

// Close releases the bus name and waits for background work; ctx passed
// to Start must already be cancelled.
func (s *Service) Close() error {
	s.wg.Wait()
	if _, err := s.conn.ReleaseName(s.busName); err != nil {
		return fmt.Errorf("releasing bus name: %w", err)
	}
	return nil
}

func (s *Service) watchClients(ctx context.Context, signals <-chan *godbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			s.handleSignal(sig)
		}
	}
}

// handleSignal releases the hold of a unique name that left the bus.
func (s *Service) handleSignal(sig *godbus.Signal) {
	if sig.Name != busInterface+".NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if !strings.HasPrefix(name, ":") || newOwner != "" {
		return
	}
	// OnDisconnect may queue behind a running transaction.
	go func() {
		if err := s.daemon.OnDisconnect(profile.Owner(name)); err != nil {
			s.logger.Error("releasing hold of departed client", "name", name, "error", err)
		}
	}()
}

// forward re-emits daemon notifications as bus signals.
func (s *Service) forward(ctx context.Context, events <-chan daemon.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.emitEvent(e); err != nil {
				s.logger.Warn("emitting signal", "signal", e.Kind, "error", err)
			}
		}
	}
}

func (s *Service) emitEvent(e daemon.Event) error {
	switch {
	case e.Kind == daemon.EventGraphicsModeChanged && e.Graphics != nil:
		g := e.Graphics
		return s.emit(string(e.Kind), string(g.Current), string(g.Pending), string(g.DiscretePower))
	case e.Kind == daemon.EventProfileChanged && e.Profile != nil:
		p := e.Profile
		return s.emit(string(e.Kind), string(p.Active), string(p.Effective), uint32(p.HoldCount))
	case e.Kind == daemon.EventTransactionBusy && e.Busy != nil:
		b := e.Busy
		return s.emit(string(e.Kind), string(b.Kind), b.Since.Unix(), b.Stuck)
	}
	return nil
}

// callerFromBus asks the bus daemon for the credentials behind sender.
func (s *Service) callerFromBus(ctx context.Context, sender string) (authz.Caller, error) {
	obj := s.conn.BusObject()
	var uid, pid uint32
	if err := obj.CallWithContext(ctx, busInterface+".GetConnectionUnixUser", 0, sender).Store(&uid); err != nil {
		return authz.Caller{}, fmt.Errorf("looking up uid of %s: %w", sender, err)
	}
	if err := obj.CallWithContext(ctx, busInterface+".GetConnectionUnixProcessID", 0, sender).Store(&pid); err != nil {
		return authz.Caller{}, fmt.Errorf("looking up pid of %s: %w", sender, err)
	}
	return authz.Caller{UID: uid, PID: int32(pid), BusName: sender}, nil
}

func (s *Service) request(ctx context.Context, sender godbus.Sender) (daemon.Request, *godbus.Error) {
	caller, err := s.lookup(ctx, string(sender))
	if err != nil {
		s.logger.Warn("cannot identify bus caller", "sender", sender, "error", err)
		return daemon.Request{}, godbus.NewError(ErrorDenied, []any{err.Error()})
	}
	return daemon.Request{
		Caller:    caller,
		Transport: "dbus",
		Owner:     profile.Owner(sender),
	}, nil
}

// releaseRequest identifies the sender for a hold release. A failed
// lookup still releases; the bus name alone proves ownership.
func (s *Service) releaseRequest(sender godbus.Sender) daemon.Request {
	caller, err := s.lookup(context.Background(), string(sender))
	if err != nil {
		caller = authz.Caller{BusName: string(sender)}
	}
	return daemon.Request{Caller: caller, Transport: "dbus", Owner: profile.Owner(sender)}
}
