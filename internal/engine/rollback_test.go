package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstra/upstra/internal/bmc"
	"github.com/upstra/upstra/internal/eventlog"
	"github.com/upstra/upstra/internal/plan"
	"github.com/upstra/upstra/internal/vsphere"
)

type rollbackFixture struct {
	j      *journal
	virt   *fakeVirt
	fleet  *fakeBMCFleet
	events *fakeLog
	engine *Rollback
}

func newRollbackFixture(t *testing.T) *rollbackFixture {
	t.Helper()

	j := &journal{}
	virt := newFakeVirt(j)
	fleet := newFakeBMCFleet(j)
	events := newFakeLog(j)

	engine := NewRollback(virt, fleet.factory(), events)
	engine.sleep = instantSleep

	return &rollbackFixture{j: j, virt: virt, fleet: fleet, events: events, engine: engine}
}

var testGrace = plan.Grace{ShutdownGrace: 1, RestartGrace: 1}

func TestRollbackRestoresPlainShutdown(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.addHost("host-100", "poweredOff", "notResponding")
	f.virt.addVM("vm-1", "host-100")
	f.virt.addVM("vm-2", "host-100")

	// Forward timeline, already reversed: the host comes up first.
	f.events.forward = []eventlog.Event{
		&eventlog.ServerStopped{ServerMoid: "host-100", IloIP: "10.0.1.1", IloUser: "admin", IloPassword: "secret"},
		&eventlog.VMStopped{VMMoid: "vm-2", ServerMoid: "host-100"},
		&eventlog.VMStopped{VMMoid: "vm-1", ServerMoid: "host-100"},
	}

	host := f.fleet.client("10.0.1.1")
	host.state = bmc.PowerOff
	host.onStart = func() {
		f.virt.hosts["host-100"].PowerState = "poweredOn"
		f.virt.hosts["host-100"].ConnectionState = "connected"
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Equal(t, []eventlog.Action{
		eventlog.ActionServerStarted,
		eventlog.ActionVMStarted,
		eventlog.ActionVMStarted,
	}, f.events.actions())
	for _, phase := range f.events.phases {
		assert.Equal(t, eventlog.PhaseRollback, phase)
	}

	// Shutdown order inverted: vm-2 went down last, so it comes up first.
	assert.Less(t, f.j.index("bmc-start:10.0.1.1"), f.j.index("poweron:vm-2"))
	assert.Less(t, f.j.index("poweron:vm-2"), f.j.index("poweron:vm-1"))

	assert.Contains(t, f.events.statuses, eventlog.StatusStartRollback)
	assert.True(t, f.events.ended, "run closed after full replay")
}

func TestRollbackMigratedInverseSwapsEndpoints(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.addHost("host-100", "poweredOn", "connected")
	f.virt.addVM("vm-1", "host-200")

	// Forward run moved vm-1 from host-100 to host-200.
	f.events.forward = []eventlog.Event{
		&eventlog.VMMigrated{VMMoid: "vm-1", ServerMoid: "host-100"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Contains(t, f.j.entries, "migrate:vm-1:host-100")
	require.Len(t, f.events.events, 1)
	migrated := f.events.events[0].(*eventlog.VMMigrated)
	assert.Equal(t, "host-200", migrated.ServerMoid, "rollback records the host the VM left")
	assert.Equal(t, "host-100", f.virt.vms["vm-1"].HostMoid)
}

func TestRollbackStartedInverseStopsVM(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.addVM("vm-1", "host-200")

	f.events.forward = []eventlog.Event{
		&eventlog.VMStarted{VMMoid: "vm-1", ServerMoid: "host-200"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Contains(t, f.j.entries, "poweroff:vm-1")
	require.Len(t, f.events.events, 1)
	assert.Equal(t, eventlog.ActionVMStopped, f.events.events[0].Action())
}

func TestRollbackSkipsErrorEvents(t *testing.T) {
	f := newRollbackFixture(t)

	f.events.forward = []eventlog.Event{
		&eventlog.MigrationError{Title: "VM 'vm-9' won't stop", Message: "timeout"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Empty(t, f.events.events)
	assert.True(t, f.events.ended)
}

func TestRollbackIgnoresUnloggedEffects(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.addHost("host-100", "poweredOn", "connected")
	f.virt.addVM("vm-1", "host-100")
	f.virt.addVM("vm-2", "host-100")

	// vm-2 was stopped too, but the process died before its event was
	// persisted. Only logged effects are inverted.
	f.virt.vms["vm-2"].PowerState = "poweredOff"
	f.events.forward = []eventlog.Event{
		&eventlog.VMStopped{VMMoid: "vm-1", ServerMoid: "host-100"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Contains(t, f.j.entries, "poweron:vm-1")
	assert.Equal(t, -1, f.j.index("poweron:vm-2"))
}

func TestRollbackWaitsForHostToReconnect(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.addHost("host-100", "poweredOn", "connected")
	f.virt.addVM("vm-1", "host-100")
	f.virt.hostConnectAfter["host-100"] = 3

	f.events.forward = []eventlog.Event{
		&eventlog.VMStopped{VMMoid: "vm-1", ServerMoid: "host-100"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Equal(t, 4, f.virt.hostPolls["host-100"], "kept polling until connected")
	assert.Contains(t, f.j.entries, "poweron:vm-1")
}

func TestRollbackAlreadyRunningVMIsStillRecorded(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.addHost("host-100", "poweredOn", "connected")
	f.virt.addVM("vm-1", "host-100")
	f.virt.powerOnErr["vm-1"] = fmt.Errorf("%w: already powered on", vsphere.ErrInvalidPowerState)

	f.events.forward = []eventlog.Event{
		&eventlog.VMStopped{VMMoid: "vm-1", ServerMoid: "host-100"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	// The desired state already holds, so the inverse counts as done.
	require.Len(t, f.events.events, 1)
	assert.Equal(t, eventlog.ActionVMStarted, f.events.events[0].Action())
	assert.Empty(t, f.events.errorTitles())
}

func TestRollbackServerStartFailureBecomesEvent(t *testing.T) {
	f := newRollbackFixture(t)

	host := f.fleet.client("10.0.1.1")
	host.state = bmc.PowerOff
	host.startErr = &bmc.PayloadError{StatusCode: 500, Body: "iLO error"}

	f.events.forward = []eventlog.Event{
		&eventlog.ServerStopped{ServerMoid: "host-100", IloIP: "10.0.1.1", IloUser: "admin", IloPassword: "secret"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Equal(t, []string{"Server won't start"}, f.events.errorTitles())
	assert.True(t, f.events.ended, "replay continues past recorded failures")
}

func TestRollbackWithoutRunPointer(t *testing.T) {
	f := newRollbackFixture(t)
	f.events.attachErr = fmt.Errorf("no active run: %w", eventlog.ErrNoRun)

	err := f.engine.Run(context.Background(), testGrace)
	assert.ErrorIs(t, err, eventlog.ErrNoRun)
	assert.Empty(t, f.events.statuses)
}

func TestRollbackInvalidControllerLogin(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.connectErr = fmt.Errorf("%w: bad password", vsphere.ErrInvalidLogin)

	err := f.engine.Run(context.Background(), testGrace)
	require.NoError(t, err)

	assert.Equal(t, []string{"Invalid credentials"}, f.events.errorTitles())
	assert.False(t, f.events.ended, "run stays open for a retry")
}

func TestRollbackAppendFailureIsFatal(t *testing.T) {
	f := newRollbackFixture(t)
	f.virt.addHost("host-100", "poweredOn", "connected")
	f.virt.addVM("vm-1", "host-100")
	f.events.appendErr = errRemote

	f.events.forward = []eventlog.Event{
		&eventlog.VMStopped{VMMoid: "vm-1", ServerMoid: "host-100"},
	}

	err := f.engine.Run(context.Background(), testGrace)
	assert.ErrorIs(t, err, errRemote)
	assert.False(t, f.events.ended)
}
