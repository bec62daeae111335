// Package engine executes the forward shutdown/migration plan and its
// rollback, persisting every confirmed effect to the event log.
package engine

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/upstra/upstra/internal/bmc"
	"github.com/upstra/upstra/internal/eventlog"
	"github.com/upstra/upstra/internal/vsphere"
)

// VirtClient is the slice of the virtualization API the engines consume.
type VirtClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetVM(ctx context.Context, moid string) (*vsphere.VMInfo, error)
	GetHost(ctx context.Context, moid string) (*vsphere.HostInfo, error)
	PowerOnVM(ctx context.Context, moid string) error
	PowerOffVM(ctx context.Context, moid string) error
	MigrateVM(ctx context.Context, vmMoid, targetHostMoid string) error
}

// EventLog is the durable timeline the engines write to and replay from.
// Append failures are durability fatals: the engines abort on them.
type EventLog interface {
	BeginRun() (string, error)
	AttachRun() (string, error)
	RunID() string
	Append(event eventlog.Event, phase eventlog.Phase) error
	MarkStatus(status eventlog.Status) error
	ReadForRollback(runID string) ([]eventlog.Event, error)
	EndRun() error
}

// sleeper lets tests replace the grace sleeps. The default honors context
// cancellation.
type sleeper func(ctx context.Context, d time.Duration)

func defaultSleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// destinationProbeAttempts bounds the wait for a BMC-started destination to
// reconnect before the engine falls back to pure shutdown.
const destinationProbeAttempts = 3

// appendError reifies a non-fatal failure as a MIGRATION_ERROR event. Only a
// failed append itself is returned.
func appendError(events EventLog, title, message string) error {
	log.WithFields(log.Fields{
		"title":   title,
		"message": message,
	}).Warn("Recording migration error event")

	return events.Append(&eventlog.MigrationError{Title: title, Message: message}, eventlog.PhaseError)
}

// isLogicalNoop reports whether an operation failed only because the target
// was already in the requested state.
func isLogicalNoop(err error) bool {
	return errors.Is(err, vsphere.ErrInvalidPowerState) || errors.Is(err, bmc.ErrAlreadyInState)
}
