package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/upstra/upstra/internal/bmc"
	"github.com/upstra/upstra/internal/eventlog"
	"github.com/upstra/upstra/internal/plan"
	"github.com/upstra/upstra/internal/vsphere"
)

// Rollback replays a run's forward events in reverse order, applying each
// event's inverse to return the site to its pre-failure state.
type Rollback struct {
	virt   VirtClient
	bmc    bmc.Factory
	events EventLog
	sleep  sleeper
}

// NewRollback wires a rollback engine.
func NewRollback(virt VirtClient, factory bmc.Factory, events EventLog) *Rollback {
	return &Rollback{
		virt:   virt,
		bmc:    factory,
		events: events,
		sleep:  defaultSleep,
	}
}

// Run replays the active run in reverse. ErrNoRun when no run pointer
// exists. As in the forward engine, remote failures become events and only
// durability failures surface as errors.
func (e *Rollback) Run(ctx context.Context, grace plan.Grace) error {
	runID, err := e.events.AttachRun()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	if err := e.events.MarkStatus(eventlog.StatusStartRollback); err != nil {
		return fmt.Errorf("rollback: failed to mark START_ROLLBACK: %w", err)
	}

	if err := e.virt.Connect(ctx); err != nil {
		if errors.Is(err, vsphere.ErrInvalidLogin) {
			return appendError(e.events, "Invalid credentials", "vCenter rejected the controller credentials")
		}
		return appendError(e.events, "Controller unreachable", err.Error())
	}
	defer func() {
		if err := e.virt.Disconnect(ctx); err != nil {
			log.WithError(err).Warn("Failed to disconnect from vCenter")
		}
	}()

	events, err := e.events.ReadForRollback(runID)
	if err != nil {
		return fmt.Errorf("rollback: failed to read event list: %w", err)
	}

	restartGrace := time.Duration(grace.RestartGrace) * time.Second

	for _, event := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.invert(ctx, event, restartGrace); err != nil {
			return err
		}
		e.sleep(ctx, restartGrace)
	}

	if err := e.events.EndRun(); err != nil {
		return fmt.Errorf("rollback: failed to close run: %w", err)
	}

	log.WithField("run_id", runID).Info("Rollback complete")
	return nil
}

// invert applies the inverse of one forward event and records the outcome as
// a rollback-phase event.
func (e *Rollback) invert(ctx context.Context, event eventlog.Event, restartGrace time.Duration) error {
	switch forward := event.(type) {
	case *eventlog.VMStopped:
		return e.startVM(ctx, forward, restartGrace)
	case *eventlog.VMMigrated:
		return e.migrateBack(ctx, forward, restartGrace)
	case *eventlog.VMStarted:
		return e.stopVM(ctx, forward)
	case *eventlog.ServerStopped:
		return e.startServer(ctx, forward)
	case *eventlog.MigrationError:
		return nil
	default:
		log.WithField("action", event.Action()).Warn("Skipping event with no inverse")
		return nil
	}
}

// startVM inverts VM_STOPPED: wait for the VM's host to reconnect, then
// power the VM back on.
func (e *Rollback) startVM(ctx context.Context, forward *eventlog.VMStopped, restartGrace time.Duration) error {
	if err := e.awaitHostConnected(ctx, forward.ServerMoid, restartGrace); err != nil {
		return appendError(e.events,
			fmt.Sprintf("Server '%s' never reconnected", forward.ServerMoid),
			err.Error())
	}

	err := e.virt.PowerOnVM(ctx, forward.VMMoid)
	if err != nil && !isLogicalNoop(err) {
		return appendError(e.events,
			fmt.Sprintf("VM '%s' won't start", forward.VMMoid),
			err.Error())
	}

	return e.events.Append(&eventlog.VMStarted{
		VMMoid:     forward.VMMoid,
		ServerMoid: forward.ServerMoid,
	}, eventlog.PhaseRollback)
}

// migrateBack inverts VM_MIGRATED: wait for the origin host, then migrate
// the VM back to it. The rollback event records the host the VM left, so
// the endpoints read swapped against the forward event.
func (e *Rollback) migrateBack(ctx context.Context, forward *eventlog.VMMigrated, restartGrace time.Duration) error {
	if err := e.awaitHostConnected(ctx, forward.ServerMoid, restartGrace); err != nil {
		return appendError(e.events,
			fmt.Sprintf("Server '%s' never reconnected", forward.ServerMoid),
			err.Error())
	}

	departed := forward.ServerMoid
	if info, err := e.virt.GetVM(ctx, forward.VMMoid); err == nil && info.HostMoid != "" {
		departed = info.HostMoid
	}

	if err := e.virt.MigrateVM(ctx, forward.VMMoid, forward.ServerMoid); err != nil {
		return appendError(e.events,
			fmt.Sprintf("VM '%s' won't migrate back", forward.VMMoid),
			err.Error())
	}

	return e.events.Append(&eventlog.VMMigrated{
		VMMoid:     forward.VMMoid,
		ServerMoid: departed,
	}, eventlog.PhaseRollback)
}

// stopVM inverts VM_STARTED.
func (e *Rollback) stopVM(ctx context.Context, forward *eventlog.VMStarted) error {
	err := e.virt.PowerOffVM(ctx, forward.VMMoid)
	if err != nil && !isLogicalNoop(err) {
		return appendError(e.events,
			fmt.Sprintf("VM '%s' won't stop", forward.VMMoid),
			err.Error())
	}

	return e.events.Append(&eventlog.VMStopped{
		VMMoid:     forward.VMMoid,
		ServerMoid: forward.ServerMoid,
	}, eventlog.PhaseRollback)
}

// startServer inverts SERVER_STOPPED using the BMC credentials carried by
// the forward event (decrypted by the event log on read).
func (e *Rollback) startServer(ctx context.Context, forward *eventlog.ServerStopped) error {
	controller := e.bmc(forward.IloIP, forward.IloUser, forward.IloPassword)

	err := controller.StartServer(ctx)
	if err != nil && !errors.Is(err, bmc.ErrAlreadyInState) {
		return appendError(e.events,
			"Server won't start",
			fmt.Sprintf("host %s: %v", forward.ServerMoid, err))
	}

	return e.events.Append(&eventlog.ServerStarted{
		ServerMoid: forward.ServerMoid,
	}, eventlog.PhaseRollback)
}

// awaitHostConnected polls the controller until the host reports connected,
// sleeping the restart grace between polls. There is no attempt limit; a
// host that never returns needs an operator. A host the controller does not
// know about is reported immediately.
func (e *Rollback) awaitHostConnected(ctx context.Context, hostMoid string, restartGrace time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := e.virt.GetHost(ctx, hostMoid)
		switch {
		case err == nil && info.Connected():
			return nil
		case err != nil && !errors.Is(err, vsphere.ErrUnreachable):
			return err
		}

		log.WithField("host", hostMoid).Info("Waiting for server to reconnect")
		e.sleep(ctx, restartGrace)
	}
}
