package vsphere

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/vim25/types"
)

// PowerOnVM powers a VM on and waits for the task to terminate.
func (c *Client) PowerOnVM(ctx context.Context, moid string) error {
	vm, err := c.findVM(ctx, moid)
	if err != nil {
		return err
	}

	task, err := vm.PowerOn(ctx)
	if err != nil {
		return fmt.Errorf("failed to power on vm %s: %w", moid, mapError(err))
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("power on task failed for vm %s: %w", moid, mapError(err))
	}

	log.WithField("vm", moid).Info("VM powered on")
	return nil
}

// PowerOffVM powers a VM off (hard stop) and waits for the task to terminate.
func (c *Client) PowerOffVM(ctx context.Context, moid string) error {
	vm, err := c.findVM(ctx, moid)
	if err != nil {
		return err
	}

	task, err := vm.PowerOff(ctx)
	if err != nil {
		return fmt.Errorf("failed to power off vm %s: %w", moid, mapError(err))
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("power off task failed for vm %s: %w", moid, mapError(err))
	}

	log.WithField("vm", moid).Info("VM powered off")
	return nil
}

// MigrateVM relocates a VM to the target host's resource pool and waits for
// the task. The VM is expected to be powered off; a powered-on VM surfaces
// the controller's own fault.
func (c *Client) MigrateVM(ctx context.Context, vmMoid, targetHostMoid string) error {
	vm, err := c.findVM(ctx, vmMoid)
	if err != nil {
		return err
	}

	host, err := c.findHost(ctx, targetHostMoid)
	if err != nil {
		return err
	}

	pool, err := host.ResourcePool(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve resource pool of host %s: %w", targetHostMoid, mapError(err))
	}

	task, err := vm.Migrate(ctx, pool, host, types.VirtualMachineMovePriorityDefaultPriority, types.VirtualMachinePowerState(""))
	if err != nil {
		return fmt.Errorf("failed to migrate vm %s to host %s: %w", vmMoid, targetHostMoid, mapError(err))
	}
	if err := task.Wait(ctx); err != nil {
		return fmt.Errorf("migration task failed for vm %s: %w", vmMoid, mapError(err))
	}

	log.WithFields(log.Fields{
		"vm":   vmMoid,
		"host": targetHostMoid,
	}).Info("VM migrated")
	return nil
}
