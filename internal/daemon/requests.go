package daemon

import (
	"context"
	"errors"

	"github.com/benaskins/powerd/internal/audit"
	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/state"
	"github.com/benaskins/powerd/internal/txn"
)

// Request carries what a transport knows about the caller.
type Request struct {
	Caller    authz.Caller
	Transport string // "http", "dbus"

	// Owner identifies the client connection for profile holds: the
	// unique bus name or a per-connection id.
	Owner profile.Owner

	// Wait queues behind a running transaction instead of failing with
	// Busy.
	Wait bool
}

// operation is one authorized, serialized mutation.
type operation struct {
	action authz.Action // empty skips authorization
	kind   txn.Kind
	entry  audit.Entry
	apply  func(ctx context.Context, tok *txn.Token) (outcome string, err error)
}

// route runs op: authorize, take the transaction slot, apply, audit. The
// authorization and busy errors are returned unchanged.
func (d *Daemon) route(ctx context.Context, req Request, op operation) error {
	entry := op.entry
	entry.Transport = req.Transport
	if req.Transport != "daemon" {
		entry.UID = &req.Caller.UID
		entry.PID = req.Caller.PID
		entry.BusName = req.Caller.BusName
	}

	if op.action != "" {
		decision, err := d.authz.Authorize(ctx, req.Caller, op.action)
		entry.Decision = decision.String()
		if err != nil {
			d.metrics.Denied(string(op.action), decision.String())
			entry.Error = err.Error()
			d.record(entry)
			return err
		}
	}

	run := func(tok *txn.Token) error {
		entry.Txn = tok.ID()
		start := d.now()
		outcome, err := op.apply(ctx, tok)
		d.metrics.TransactionDuration(string(op.kind), d.now().Sub(start).Seconds())
		entry.Outcome = outcome
		return err
	}

	var err error
	if req.Wait {
		err = d.txns.DoWait(ctx, op.kind, run)
	} else {
		err = d.txns.Do(op.kind, run)
	}
	if err != nil {
		entry.Error = err.Error()
	}
	d.record(entry)
	return err
}

// SetGraphicsMode requests a boot-time graphics mode change.
func (d *Daemon) SetGraphicsMode(ctx context.Context, req Request, target state.Mode) (graphics.Outcome, error) {
	var outcome graphics.Outcome
	err := d.route(ctx, req, operation{
		action: authz.ActionSetGraphicsMode,
		kind:   txn.KindGraphicsMode,
		entry:  audit.Entry{Action: audit.ActionSetGraphicsMode, Target: string(target)},
		apply: func(ctx context.Context, tok *txn.Token) (string, error) {
			var err error
			outcome, err = d.graphics.RequestMode(ctx, tok, target)
			return string(outcome), err
		},
	})
	d.afterGraphics(string(target), outcome, err)
	return outcome, err
}

// SetDiscretePower powers the discrete GPU on or off.
func (d *Daemon) SetDiscretePower(ctx context.Context, req Request, power state.Power) (graphics.Outcome, error) {
	var outcome graphics.Outcome
	err := d.route(ctx, req, operation{
		action: authz.ActionSetDiscretePower,
		kind:   txn.KindGraphicsPower,
		entry:  audit.Entry{Action: audit.ActionSetDiscretePower, Target: string(power)},
		apply: func(ctx context.Context, tok *txn.Token) (string, error) {
			var err error
			outcome, err = d.graphics.SetDiscretePower(ctx, tok, power)
			return string(outcome), err
		},
	})
	if err == nil || errors.As(err, new(*graphics.PowerError)) {
		d.metrics.DiscretePower(string(power), metricOutcome(string(outcome), err))
	}
	if outcome == graphics.OutcomeApplied || errors.As(err, new(*graphics.PowerError)) {
		d.publishGraphics()
	}
	return outcome, err
}

// AcceptHardwareMode clears error recovery by adopting the probed mode.
func (d *Daemon) AcceptHardwareMode(ctx context.Context, req Request) (state.Mode, error) {
	var mode state.Mode
	err := d.route(ctx, req, operation{
		action: authz.ActionAcceptHardwareMode,
		kind:   txn.KindGraphicsRecover,
		entry:  audit.Entry{Action: audit.ActionAcceptHardwareMode},
		apply: func(ctx context.Context, tok *txn.Token) (string, error) {
			var err error
			mode, err = d.graphics.AcceptHardwareMode(ctx, tok)
			return string(mode), err
		},
	})
	if err == nil {
		d.metrics.Recovery(false)
		d.publishGraphics()
	}
	return mode, err
}

// ErrOwnerGone is returned for a hold whose client disconnected before
// the request reached the profile engine.
var ErrOwnerGone = errors.New("hold owner disconnected")

// SetProfile requests p, as a hold owned by req.Owner when hold is set.
// A *profile.PartialError still means the change was processed.
func (d *Daemon) SetProfile(ctx context.Context, req Request, p profile.Profile, hold bool) error {
	owner := profile.Owner("")
	if hold {
		if req.Owner == "" {
			return errors.New("hold requested without a connection owner")
		}
		owner = req.Owner
		d.beginHoldRequest(owner)
		defer d.endHoldRequest(owner)
	}
	return d.profileOp(ctx, req, operation{
		action: authz.ActionSetProfile,
		kind:   txn.KindProfile,
		entry:  audit.Entry{Action: audit.ActionSetProfile, Target: string(p), Hold: hold},
		apply: func(ctx context.Context, tok *txn.Token) (string, error) {
			if owner != "" && d.ownerDeparted(owner) {
				return "", ErrOwnerGone
			}
			return "", d.profiles.Apply(ctx, tok, p, owner)
		},
	})
}

// ReleaseProfileHold drops req.Owner's hold. Callers can only release
// their own hold, so no authorization is needed.
func (d *Daemon) ReleaseProfileHold(ctx context.Context, req Request) error {
	if req.Owner == "" || !d.profiles.HasHold(req.Owner) {
		return nil
	}
	return d.profileOp(ctx, req, d.releaseOp(req.Owner))
}

// OnDisconnect releases the hold of a client whose connection ended. It
// waits for a running transaction rather than dropping the release. A
// hold request from owner that is still being authorized or queued is
// refused once it gets the transaction.
func (d *Daemon) OnDisconnect(owner profile.Owner) error {
	if owner == "" {
		return nil
	}
	pending := d.markDeparted(owner)
	if !pending && !d.profiles.HasHold(owner) {
		return nil
	}
	d.logger.Info("client disconnected, releasing profile hold", "owner", owner, "pending", pending)
	req := Request{Transport: "daemon", Owner: owner, Wait: true}
	return d.profileOp(d.lifecycle(), req, d.releaseOp(owner))
}

func (d *Daemon) beginHoldRequest(owner profile.Owner) {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()
	d.holdRequests[owner]++
}

// endHoldRequest forgets owner's tombstone once its last request is done.
func (d *Daemon) endHoldRequest(owner profile.Owner) {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()
	if d.holdRequests[owner]--; d.holdRequests[owner] <= 0 {
		delete(d.holdRequests, owner)
		delete(d.departed, owner)
	}
}

// markDeparted records owner as gone if it has hold requests in flight
// and reports whether it had.
func (d *Daemon) markDeparted(owner profile.Owner) bool {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()
	if d.holdRequests[owner] == 0 {
		return false
	}
	d.departed[owner] = struct{}{}
	return true
}

func (d *Daemon) ownerDeparted(owner profile.Owner) bool {
	d.holdMu.Lock()
	defer d.holdMu.Unlock()
	_, ok := d.departed[owner]
	return ok
}

func (d *Daemon) releaseOp(owner profile.Owner) operation {
	return operation{
		kind:  txn.KindProfile,
		entry: audit.Entry{Action: audit.ActionReleaseHold, Hold: true},
		apply: func(ctx context.Context, tok *txn.Token) (string, error) {
			return "", d.profiles.ReleaseHold(ctx, tok, owner)
		},
	}
}

// profileOp routes a profile mutation and broadcasts when the active
// profile or the hold set changed.
func (d *Daemon) profileOp(ctx context.Context, req Request, op operation) error {
	before := d.profileInfo()
	apply := op.apply
	op.apply = func(ctx context.Context, tok *txn.Token) (string, error) {
		_, err := apply(ctx, tok)
		eff := d.profiles.Effective()
		return string(eff), err
	}
	err := d.route(ctx, req, op)

	var perr *profile.PartialError
	if err == nil || errors.As(err, &perr) {
		d.profileApplied(d.profiles.Effective(), err)
	}
	if after := d.profileInfo(); after != before {
		d.events.Publish(Event{Kind: EventProfileChanged, Time: d.now(), Profile: &after})
	}
	return err
}

func (d *Daemon) profileInfo() ProfileInfo {
	st := d.profiles.Status()
	return ProfileInfo{Active: st.Active, Effective: st.Effective, HoldCount: st.HoldCount}
}

func (d *Daemon) profileApplied(p profile.Profile, err error) {
	all := make([]string, len(profile.All))
	for i, q := range profile.All {
		all[i] = string(q)
	}
	st := d.profiles.Status()
	d.metrics.ProfileState(string(st.Active), all, st.HoldCount)

	var perr *profile.PartialError
	switch {
	case err == nil:
		d.metrics.ProfileApplied(string(p), true, nil)
	case errors.As(err, &perr):
		d.metrics.ProfileApplied(string(perr.Profile), perr.Committed, perr.Failed)
	}
}

// afterGraphics updates metrics and notifies subscribers about a mode
// request that reached the controller.
func (d *Daemon) afterGraphics(target string, outcome graphics.Outcome, err error) {
	var terr *graphics.TransitionError
	reached := err == nil || errors.As(err, &terr)
	if !reached {
		return
	}
	d.metrics.GraphicsTransition(target, metricOutcome(string(outcome), err))
	d.metrics.Recovery(d.graphics.Status().Recovery != nil)
	if err == nil && outcome != graphics.OutcomeNoChange {
		d.publishGraphics()
	}
	if terr != nil && !terr.Recovered {
		d.publishGraphics()
	}
}

func (d *Daemon) publishGraphics() {
	st := d.graphics.Status()
	d.events.Publish(Event{Kind: EventGraphicsModeChanged, Time: d.now(), Graphics: &st})
}

func metricOutcome(outcome string, err error) string {
	var terr *graphics.TransitionError
	switch {
	case errors.As(err, &terr) && terr.Recovered:
		return "failed_recovered"
	case errors.As(err, &terr):
		return "failed_inconsistent"
	case err != nil:
		return "failed"
	}
	return outcome
}
