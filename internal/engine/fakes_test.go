package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upstra/upstra/internal/bmc"
	"github.com/upstra/upstra/internal/eventlog"
	"github.com/upstra/upstra/internal/vsphere"
)

// journal records operations and appends in one sequence so tests can assert
// that every event is persisted before the next operation begins.
type journal struct {
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) index(entry string) int {
	for i, e := range j.entries {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeVirt struct {
	j *journal

	connectErr error
	hosts      map[string]*vsphere.HostInfo
	vms        map[string]*vsphere.VMInfo

	hostErr     map[string]error
	powerOffErr map[string]error
	powerOnErr  map[string]error
	migrateErr  map[string]error

	// hostConnectAfter delays the connected state of a host until the n-th
	// GetHost call for it.
	hostConnectAfter map[string]int
	hostPolls        map[string]int

	connected bool
}

func newFakeVirt(j *journal) *fakeVirt {
	return &fakeVirt{
		j:                j,
		hosts:            map[string]*vsphere.HostInfo{},
		vms:              map[string]*vsphere.VMInfo{},
		hostErr:          map[string]error{},
		powerOffErr:      map[string]error{},
		powerOnErr:       map[string]error{},
		migrateErr:       map[string]error{},
		hostConnectAfter: map[string]int{},
		hostPolls:        map[string]int{},
	}
}

func (f *fakeVirt) addHost(moid, power, connection string) {
	f.hosts[moid] = &vsphere.HostInfo{Name: moid, Moid: moid, PowerState: power, ConnectionState: connection}
}

func (f *fakeVirt) addVM(moid, hostMoid string) {
	f.vms[moid] = &vsphere.VMInfo{Name: moid, Moid: moid, PowerState: "poweredOn", HostMoid: hostMoid}
}

func (f *fakeVirt) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeVirt) Disconnect(ctx context.Context) error {
	f.connected = false
	return nil
}

func (f *fakeVirt) GetVM(ctx context.Context, moid string) (*vsphere.VMInfo, error) {
	vm, ok := f.vms[moid]
	if !ok {
		return nil, fmt.Errorf("%w: vm %s", vsphere.ErrNotFound, moid)
	}
	copied := *vm
	return &copied, nil
}

func (f *fakeVirt) GetHost(ctx context.Context, moid string) (*vsphere.HostInfo, error) {
	if err := f.hostErr[moid]; err != nil {
		return nil, err
	}
	host, ok := f.hosts[moid]
	if !ok {
		return nil, fmt.Errorf("%w: host %s", vsphere.ErrNotFound, moid)
	}

	copied := *host
	if after, ok := f.hostConnectAfter[moid]; ok {
		f.hostPolls[moid]++
		if f.hostPolls[moid] <= after {
			copied.ConnectionState = "notResponding"
		} else {
			copied.ConnectionState = "connected"
		}
	}
	return &copied, nil
}

func (f *fakeVirt) PowerOnVM(ctx context.Context, moid string) error {
	if err := f.powerOnErr[moid]; err != nil {
		return err
	}
	f.j.add("poweron:%s", moid)
	if vm, ok := f.vms[moid]; ok {
		vm.PowerState = "poweredOn"
	}
	return nil
}

func (f *fakeVirt) PowerOffVM(ctx context.Context, moid string) error {
	if err := f.powerOffErr[moid]; err != nil {
		return err
	}
	f.j.add("poweroff:%s", moid)
	if vm, ok := f.vms[moid]; ok {
		vm.PowerState = "poweredOff"
	}
	return nil
}

func (f *fakeVirt) MigrateVM(ctx context.Context, vmMoid, targetHostMoid string) error {
	if err := f.migrateErr[vmMoid]; err != nil {
		return err
	}
	f.j.add("migrate:%s:%s", vmMoid, targetHostMoid)
	if vm, ok := f.vms[vmMoid]; ok {
		vm.HostMoid = targetHostMoid
	}
	return nil
}

type fakeBMC struct {
	j  *journal
	ip string

	state    bmc.PowerState
	startErr error
	stopErr  error

	// onStart lets tests flip controller-side state when the BMC powers a
	// host back on.
	onStart func()
}

func (f *fakeBMC) GetPowerState(ctx context.Context) (bmc.PowerState, error) {
	return f.state, nil
}

func (f *fakeBMC) Start(ctx context.Context) error { return f.StartServer(ctx) }
func (f *fakeBMC) Stop(ctx context.Context) error  { return f.StopServer(ctx) }

func (f *fakeBMC) StartServer(ctx context.Context) error {
	if f.state == bmc.PowerOn {
		return fmt.Errorf("%w: ON", bmc.ErrAlreadyInState)
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.j.add("bmc-start:%s", f.ip)
	f.state = bmc.PowerOn
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}

func (f *fakeBMC) StopServer(ctx context.Context) error {
	if f.state == bmc.PowerOff {
		return fmt.Errorf("%w: OFF", bmc.ErrAlreadyInState)
	}
	if f.stopErr != nil {
		return f.stopErr
	}
	f.j.add("bmc-stop:%s", f.ip)
	f.state = bmc.PowerOff
	return nil
}

type fakeBMCFleet struct {
	j       *journal
	clients map[string]*fakeBMC
}

func newFakeBMCFleet(j *journal) *fakeBMCFleet {
	return &fakeBMCFleet{j: j, clients: map[string]*fakeBMC{}}
}

func (f *fakeBMCFleet) client(ip string) *fakeBMC {
	if c, ok := f.clients[ip]; ok {
		return c
	}
	c := &fakeBMC{j: f.j, ip: ip, state: bmc.PowerOn}
	f.clients[ip] = c
	return c
}

func (f *fakeBMCFleet) factory() bmc.Factory {
	return func(ip, user, password string) bmc.PowerController {
		return f.client(ip)
	}
}

type fakeLog struct {
	j *journal

	runID     string
	beginErr  error
	attachErr error
	appendErr error

	events   []eventlog.Event
	phases   []eventlog.Phase
	statuses []eventlog.Status

	// forward holds the events ReadForRollback serves, already reversed.
	forward []eventlog.Event
	ended   bool
}

func newFakeLog(j *journal) *fakeLog {
	return &fakeLog{j: j, runID: "run-1"}
}

func (f *fakeLog) BeginRun() (string, error) {
	if f.beginErr != nil {
		return "", f.beginErr
	}
	f.statuses = append(f.statuses, eventlog.StatusStartMigration)
	return f.runID, nil
}

func (f *fakeLog) AttachRun() (string, error) {
	if f.attachErr != nil {
		return "", f.attachErr
	}
	return f.runID, nil
}

func (f *fakeLog) RunID() string { return f.runID }

func (f *fakeLog) Append(event eventlog.Event, phase eventlog.Phase) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.events = append(f.events, event)
	f.phases = append(f.phases, phase)

	switch e := event.(type) {
	case *eventlog.VMStopped:
		f.j.add("append:VM_STOPPED:%s", e.VMMoid)
	case *eventlog.VMMigrated:
		f.j.add("append:VM_MIGRATED:%s", e.VMMoid)
	case *eventlog.VMStarted:
		f.j.add("append:VM_STARTED:%s", e.VMMoid)
	case *eventlog.ServerStopped:
		f.j.add("append:SERVER_STOPPED:%s", e.ServerMoid)
	case *eventlog.ServerStarted:
		f.j.add("append:SERVER_STARTED:%s", e.ServerMoid)
	case *eventlog.MigrationError:
		f.j.add("append:MIGRATION_ERROR:%s", e.Title)
	}
	return nil
}

func (f *fakeLog) MarkStatus(status eventlog.Status) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeLog) ReadForRollback(runID string) ([]eventlog.Event, error) {
	return f.forward, nil
}

func (f *fakeLog) EndRun() error {
	f.ended = true
	f.statuses = append(f.statuses, eventlog.StatusEndRollback)
	return nil
}

func (f *fakeLog) actions() []eventlog.Action {
	actions := make([]eventlog.Action, 0, len(f.events))
	for _, event := range f.events {
		actions = append(actions, event.Action())
	}
	return actions
}

func (f *fakeLog) errorTitles() []string {
	var titles []string
	for _, event := range f.events {
		if e, ok := event.(*eventlog.MigrationError); ok {
			titles = append(titles, e.Title)
		}
	}
	return titles
}

var errRemote = errors.New("remote failure")

func instantSleep(ctx context.Context, d time.Duration) {}
