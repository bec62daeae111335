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

// Shutdown walks the plan host by host, stopping or migrating VMs in order
// and powering hosts off through their BMC. Remote failures become
// MIGRATION_ERROR events; only event-log failures abort the run.
type Shutdown struct {
	virt   VirtClient
	bmc    bmc.Factory
	events EventLog
	sleep  sleeper
}

// NewShutdown wires a shutdown engine.
func NewShutdown(virt VirtClient, factory bmc.Factory, events EventLog) *Shutdown {
	return &Shutdown{
		virt:   virt,
		bmc:    factory,
		events: events,
		sleep:  defaultSleep,
	}
}

// Run executes the forward plan. The returned error is non-nil only for
// durability failures; every remote failure is reified as an event.
func (e *Shutdown) Run(ctx context.Context, p *plan.Plan) error {
	if _, err := e.events.BeginRun(); err != nil {
		return fmt.Errorf("shutdown: failed to begin run: %w", err)
	}

	defer func() {
		if err := e.events.MarkStatus(eventlog.StatusEndMigration); err != nil {
			log.WithError(err).Error("Failed to mark END_MIGRATION status")
		}
	}()

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

	grace := time.Duration(p.Grace.ShutdownGrace) * time.Second

	for _, hostPlan := range p.Hosts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.shutdownHost(ctx, hostPlan, grace); err != nil {
			return err
		}
	}

	log.Info("Migration plan finished")
	return nil
}

func (e *Shutdown) shutdownHost(ctx context.Context, hostPlan plan.HostPlan, grace time.Duration) error {
	host := hostPlan.Host
	logger := log.WithFields(log.Fields{"host": host.Name, "moid": host.Moid})

	info, err := e.virt.GetHost(ctx, host.Moid)
	if err != nil {
		return appendError(e.events,
			fmt.Sprintf("Server '%s' not found", host.Name),
			fmt.Sprintf("host %s: %v", host.Moid, err))
	}
	if info.PoweredOff() {
		return appendError(e.events,
			fmt.Sprintf("Server '%s' is already off", host.Name),
			fmt.Sprintf("host %s is powered off, nothing to do", host.Moid))
	}

	destination := e.resolveDestination(ctx, hostPlan, grace)
	if destination != nil {
		logger.WithField("destination", destination.Moid).Info("Launching migration plan for server")
	} else {
		logger.Info("Launching shutdown plan for server")
	}

	for _, vmMoid := range hostPlan.VMOrder {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if destination != nil {
			unreachable, err := e.migrateVM(ctx, vmMoid, host.Moid, destination.Moid)
			if err != nil {
				return err
			}
			if unreachable {
				// Destination dropped out mid-plan; remaining VMs are
				// plain-stopped instead.
				destination = nil
			}
		} else {
			if err := e.stopVM(ctx, vmMoid, host.Moid); err != nil {
				return err
			}
		}

		e.sleep(ctx, grace)
	}

	return e.stopServer(ctx, host)
}

// resolveDestination looks the migration target up and makes sure it is
// running, powering it on through its BMC when needed. Any failure degrades
// the host plan to pure shutdown.
func (e *Shutdown) resolveDestination(ctx context.Context, hostPlan plan.HostPlan, grace time.Duration) *vsphere.HostInfo {
	if hostPlan.Destination == nil {
		log.Debug("Distant server not set")
		return nil
	}

	destination := hostPlan.Destination
	logger := log.WithFields(log.Fields{"destination": destination.Name, "moid": destination.Moid})

	info, err := e.virt.GetHost(ctx, destination.Moid)
	if err != nil {
		logger.WithError(err).Warn("Distant server not found, falling back to shutdown plan")
		return nil
	}

	if !info.PoweredOff() {
		return info
	}

	controller := e.bmc(destination.BMC.IP, destination.BMC.User, destination.BMC.Password)
	if err := controller.StartServer(ctx); err != nil && !errors.Is(err, bmc.ErrAlreadyInState) {
		logger.WithError(err).Warn("Distant server is off and won't turn on, falling back to shutdown plan")
		return nil
	}

	for attempt := 0; attempt < destinationProbeAttempts; attempt++ {
		e.sleep(ctx, grace)
		info, err = e.virt.GetHost(ctx, destination.Moid)
		if err == nil && info.Connected() {
			return info
		}
	}

	logger.Warn("Distant server did not reconnect in time, falling back to shutdown plan")
	return nil
}

// stopVM powers a VM off and records the event. An already-off VM is a
// silent no-op: there is nothing to invert.
func (e *Shutdown) stopVM(ctx context.Context, vmMoid, hostMoid string) error {
	err := e.virt.PowerOffVM(ctx, vmMoid)
	if isLogicalNoop(err) {
		log.WithField("vm", vmMoid).Info("VM is already off")
		return nil
	}
	if err != nil {
		return appendError(e.events,
			fmt.Sprintf("VM '%s' won't stop", vmMoid),
			err.Error())
	}

	return e.events.Append(&eventlog.VMStopped{VMMoid: vmMoid, ServerMoid: hostMoid}, eventlog.PhaseForward)
}

// migrateVM stops, migrates and restarts one VM on the destination host. The
// recorded origin is the plan-declared host so rollback returns the VM
// there. The bool result reports a destination that became unreachable.
func (e *Shutdown) migrateVM(ctx context.Context, vmMoid, originMoid, destinationMoid string) (bool, error) {
	stopErr := e.virt.PowerOffVM(ctx, vmMoid)
	switch {
	case isLogicalNoop(stopErr):
		log.WithField("vm", vmMoid).Info("VM is already off")
	case stopErr != nil:
		return false, appendError(e.events,
			fmt.Sprintf("VM '%s' won't stop", vmMoid),
			stopErr.Error())
	default:
		if err := e.events.Append(&eventlog.VMStopped{VMMoid: vmMoid, ServerMoid: originMoid}, eventlog.PhaseForward); err != nil {
			return false, err
		}
	}

	if err := e.virt.MigrateVM(ctx, vmMoid, destinationMoid); err != nil {
		appendErr := appendError(e.events,
			fmt.Sprintf("VM '%s' won't migrate", vmMoid),
			err.Error())
		return errors.Is(err, vsphere.ErrUnreachable), appendErr
	}
	if err := e.events.Append(&eventlog.VMMigrated{VMMoid: vmMoid, ServerMoid: originMoid}, eventlog.PhaseForward); err != nil {
		return false, err
	}

	if err := e.virt.PowerOnVM(ctx, vmMoid); err != nil && !isLogicalNoop(err) {
		return false, appendError(e.events,
			fmt.Sprintf("VM '%s' won't start on destination", vmMoid),
			err.Error())
	}
	return false, e.events.Append(&eventlog.VMStarted{VMMoid: vmMoid, ServerMoid: destinationMoid}, eventlog.PhaseForward)
}

// stopServer forces the host off through its BMC and records the event with
// the credentials rollback will need.
func (e *Shutdown) stopServer(ctx context.Context, host plan.Host) error {
	controller := e.bmc(host.BMC.IP, host.BMC.User, host.BMC.Password)

	err := controller.StopServer(ctx)
	if isLogicalNoop(err) {
		log.WithField("host", host.Moid).Info("Server is already off")
		return nil
	}
	if err != nil {
		return appendError(e.events,
			"Server won't stop",
			fmt.Sprintf("host %s: %v", host.Moid, err))
	}

	log.WithFields(log.Fields{"host": host.Name, "moid": host.Moid}).Info("Server is fully migrated")

	return e.events.Append(&eventlog.ServerStopped{
		ServerMoid:  host.Moid,
		IloIP:       host.BMC.IP,
		IloUser:     host.BMC.User,
		IloPassword: host.BMC.Password,
	}, eventlog.PhaseForward)
}
