// Package vsphere wraps the govmomi vCenter API for inventory discovery and
// VM/host power and migration operations.
package vsphere

import (
	"context"
	"fmt"
	"net/url"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// Config holds the vCenter connection coordinates.
type Config struct {
	Host     string
	User     string
	Password string
	Port     int
	Insecure bool
}

// VMInfo is the engine-facing summary of one virtual machine.
type VMInfo struct {
	Name            string
	Moid            string
	PowerState      string
	ConnectionState string
	HostMoid        string
	HostName        string
}

// HostInfo is the engine-facing summary of one hypervisor host.
type HostInfo struct {
	Name            string
	Moid            string
	PowerState      string
	ConnectionState string
}

// PoweredOff reports whether the host is powered off at the vSphere level.
func (h *HostInfo) PoweredOff() bool {
	return h.PowerState == string(types.HostSystemPowerStatePoweredOff)
}

// Connected reports whether the host is connected to the controller.
func (h *HostInfo) Connected() bool {
	return h.ConnectionState == string(types.HostSystemConnectionStateConnected)
}

// PoweredOff reports whether the VM is powered off.
func (v *VMInfo) PoweredOff() bool {
	return v.PowerState == string(types.VirtualMachinePowerStatePoweredOff)
}

// Client owns one authenticated vCenter session. Connect is idempotent until
// Disconnect; the engines hold a Client for their whole run.
type Client struct {
	cfg    Config
	client *govmomi.Client
}

// NewClient creates an unconnected client for the given controller.
func NewClient(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	return &Client{cfg: cfg}
}

// Connect logs in to the controller. Calling Connect on an already connected
// client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}

	u, err := url.Parse(fmt.Sprintf("https://%s:%d/sdk", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to parse vCenter URL: %w", err)
	}
	u.User = url.UserPassword(c.cfg.User, c.cfg.Password)

	client, err := govmomi.NewClient(ctx, u, c.cfg.Insecure)
	if err != nil {
		return fmt.Errorf("failed to connect to vCenter %s: %w", c.cfg.Host, mapError(err))
	}

	c.client = client

	log.WithFields(log.Fields{
		"vcenter": c.cfg.Host,
		"port":    c.cfg.Port,
		"user":    c.cfg.User,
	}).Info("Connected to vCenter")

	return nil
}

// Disconnect logs out and drops the session. Safe to call when disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Logout(ctx)
	c.client = nil
	if err != nil {
		return fmt.Errorf("failed to log out of vCenter: %w", mapError(err))
	}
	log.WithField("vcenter", c.cfg.Host).Info("Disconnected from vCenter")
	return nil
}

func (c *Client) datacenters(ctx context.Context) ([]*object.Datacenter, error) {
	root := object.NewRootFolder(c.client.Client)
	children, err := root.Children(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list root folder: %w", mapError(err))
	}

	var dcs []*object.Datacenter
	for _, child := range children {
		if dc, ok := child.(*object.Datacenter); ok {
			dcs = append(dcs, dc)
		}
	}
	return dcs, nil
}

// walkVMFolder descends a vm folder tree collecting virtual machines. When
// stopAt is non-empty the walk short-circuits on the first moid match.
func (c *Client) walkVMFolder(ctx context.Context, folder *object.Folder, stopAt string, out *[]*object.VirtualMachine) (bool, error) {
	children, err := folder.Children(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list vm folder: %w", mapError(err))
	}

	for _, child := range children {
		switch entity := child.(type) {
		case *object.VirtualMachine:
			if stopAt != "" {
				if entity.Reference().Value == stopAt {
					*out = append(*out, entity)
					return true, nil
				}
				continue
			}
			*out = append(*out, entity)
		case *object.Folder:
			done, err := c.walkVMFolder(ctx, entity, stopAt, out)
			if err != nil || done {
				return done, err
			}
		}
	}
	return false, nil
}

// hostSystems collects the hosts under a datacenter's host folder, descending
// through sub-folders and compute resources.
func (c *Client) hostSystems(ctx context.Context, folder *object.Folder, out *[]*object.HostSystem) error {
	children, err := folder.Children(ctx)
	if err != nil {
		return fmt.Errorf("failed to list host folder: %w", mapError(err))
	}

	for _, child := range children {
		switch entity := child.(type) {
		case *object.ClusterComputeResource:
			hosts, err := entity.Hosts(ctx)
			if err != nil {
				return fmt.Errorf("failed to list cluster hosts: %w", mapError(err))
			}
			*out = append(*out, hosts...)
		case *object.ComputeResource:
			hosts, err := entity.Hosts(ctx)
			if err != nil {
				return fmt.Errorf("failed to list compute resource hosts: %w", mapError(err))
			}
			*out = append(*out, hosts...)
		case *object.Folder:
			if err := c.hostSystems(ctx, entity, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) findVM(ctx context.Context, moid string) (*object.VirtualMachine, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	dcs, err := c.datacenters(ctx)
	if err != nil {
		return nil, err
	}

	for _, dc := range dcs {
		folders, err := dc.Folders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read datacenter folders: %w", mapError(err))
		}
		var found []*object.VirtualMachine
		done, err := c.walkVMFolder(ctx, folders.VmFolder, moid, &found)
		if err != nil {
			return nil, err
		}
		if done {
			return found[0], nil
		}
	}
	return nil, fmt.Errorf("%w: vm %s", ErrNotFound, moid)
}

func (c *Client) findHost(ctx context.Context, moid string) (*object.HostSystem, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	dcs, err := c.datacenters(ctx)
	if err != nil {
		return nil, err
	}

	for _, dc := range dcs {
		folders, err := dc.Folders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read datacenter folders: %w", mapError(err))
		}
		var hosts []*object.HostSystem
		if err := c.hostSystems(ctx, folders.HostFolder, &hosts); err != nil {
			return nil, err
		}
		for _, host := range hosts {
			if host.Reference().Value == moid {
				return host, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: host %s", ErrNotFound, moid)
}

func (c *Client) vmInfo(ctx context.Context, vm *object.VirtualMachine) (*VMInfo, error) {
	var moVM mo.VirtualMachine
	err := vm.Properties(ctx, vm.Reference(), []string{"name", "runtime"}, &moVM)
	if err != nil {
		return nil, fmt.Errorf("failed to read vm properties: %w", mapError(err))
	}

	info := &VMInfo{
		Name:            moVM.Name,
		Moid:            vm.Reference().Value,
		PowerState:      string(moVM.Runtime.PowerState),
		ConnectionState: string(moVM.Runtime.ConnectionState),
	}

	if moVM.Runtime.Host != nil {
		info.HostMoid = moVM.Runtime.Host.Value
		var moHost mo.HostSystem
		host := object.NewHostSystem(c.client.Client, *moVM.Runtime.Host)
		if err := host.Properties(ctx, host.Reference(), []string{"name"}, &moHost); err == nil {
			info.HostName = moHost.Name
		}
	}

	return info, nil
}

func (c *Client) hostInfo(ctx context.Context, host *object.HostSystem) (*HostInfo, error) {
	var moHost mo.HostSystem
	err := host.Properties(ctx, host.Reference(), []string{"name", "runtime"}, &moHost)
	if err != nil {
		return nil, fmt.Errorf("failed to read host properties: %w", mapError(err))
	}

	return &HostInfo{
		Name:            moHost.Name,
		Moid:            host.Reference().Value,
		PowerState:      string(moHost.Runtime.PowerState),
		ConnectionState: string(moHost.Runtime.ConnectionState),
	}, nil
}

// GetVM looks a VM up by managed object id, walking the inventory tree.
func (c *Client) GetVM(ctx context.Context, moid string) (*VMInfo, error) {
	vm, err := c.findVM(ctx, moid)
	if err != nil {
		return nil, err
	}
	return c.vmInfo(ctx, vm)
}

// GetHost looks a host up by managed object id.
func (c *Client) GetHost(ctx context.Context, moid string) (*HostInfo, error) {
	host, err := c.findHost(ctx, moid)
	if err != nil {
		return nil, err
	}
	return c.hostInfo(ctx, host)
}

// ListAllVMs walks every datacenter's vm folder tree.
func (c *Client) ListAllVMs(ctx context.Context) ([]VMInfo, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	dcs, err := c.datacenters(ctx)
	if err != nil {
		return nil, err
	}

	var infos []VMInfo
	for _, dc := range dcs {
		folders, err := dc.Folders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read datacenter folders: %w", mapError(err))
		}
		var vms []*object.VirtualMachine
		if _, err := c.walkVMFolder(ctx, folders.VmFolder, "", &vms); err != nil {
			return nil, err
		}
		for _, vm := range vms {
			info, err := c.vmInfo(ctx, vm)
			if err != nil {
				return nil, err
			}
			infos = append(infos, *info)
		}
	}
	return infos, nil
}

// ListAllHosts walks every datacenter's host folder tree.
func (c *Client) ListAllHosts(ctx context.Context) ([]HostInfo, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}

	dcs, err := c.datacenters(ctx)
	if err != nil {
		return nil, err
	}

	var infos []HostInfo
	for _, dc := range dcs {
		folders, err := dc.Folders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read datacenter folders: %w", mapError(err))
		}
		var hosts []*object.HostSystem
		if err := c.hostSystems(ctx, folders.HostFolder, &hosts); err != nil {
			return nil, err
		}
		for _, host := range hosts {
			info, err := c.hostInfo(ctx, host)
			if err != nil {
				return nil, err
			}
			infos = append(infos, *info)
		}
	}
	return infos, nil
}
