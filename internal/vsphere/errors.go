package vsphere

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/vmware/govmomi/fault"
	"github.com/vmware/govmomi/vim25/types"
)

// Sentinel errors mapping the vSphere fault taxonomy onto the handful of
// conditions the engines dispatch on.
var (
	ErrNotFound          = errors.New("vsphere: managed object not found")
	ErrUnreachable       = errors.New("vsphere: endpoint unreachable")
	ErrInvalidPowerState = errors.New("vsphere: invalid power state for operation")
	ErrBusy              = errors.New("vsphere: task already in progress")
	ErrPermissionDenied  = errors.New("vsphere: permission denied")
	ErrInvalidLogin      = errors.New("vsphere: invalid credentials")
	ErrNotConnected      = errors.New("vsphere: not connected")
)

// mapError folds govmomi faults and transport errors into the sentinel set.
// Unrecognized errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case fault.Is(err, &types.InvalidLogin{}):
		return ErrInvalidLogin
	case fault.Is(err, &types.InvalidPowerState{}):
		return ErrInvalidPowerState
	case fault.Is(err, &types.TaskInProgress{}):
		return ErrBusy
	case fault.Is(err, &types.NoPermission{}):
		return ErrPermissionDenied
	case fault.Is(err, &types.ManagedObjectNotFound{}):
		return ErrNotFound
	case fault.Is(err, &types.HostConnectFault{}):
		return ErrUnreachable
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUnreachable
	}

	return err
}
