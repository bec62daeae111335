// Package eventlog persists the durable, rollback-able timeline of a
// migration run.
package eventlog

import (
	"encoding/json"
	"fmt"
)

// Action identifies the kind of a persisted event row.
type Action string

const (
	ActionVMStarted      Action = "VM_STARTED"
	ActionVMMigrated     Action = "VM_MIGRATED"
	ActionVMStopped      Action = "VM_STOPPED"
	ActionServerStarted  Action = "SERVER_STARTED"
	ActionServerStopped  Action = "SERVER_STOPPED"
	ActionMigrationError Action = "MIGRATION_ERROR"
)

// Status markers share the event table under the migration_status entity id.
type Status string

const (
	StatusPowerFailure   Status = "POWER_FAILURE"
	StatusStartMigration Status = "START_MIGRATION"
	StatusEndMigration   Status = "END_MIGRATION"
	StatusStartRollback  Status = "START_ROLLBACK"
	StatusEndRollback    Status = "END_ROLLBACK"
)

// Phase namespaces a run's events so forward and rollback timelines never mix.
type Phase string

const (
	PhaseForward  Phase = "migration"
	PhaseRollback Phase = "rollback"
	PhaseError    Phase = "error"
)

// Event is the closed sum of everything the engines persist.
type Event interface {
	Action() Action
}

// VMStopped records a VM powered off on its origin host.
type VMStopped struct {
	VMMoid     string `json:"vm_moid"`
	ServerMoid string `json:"server_moid"`
}

func (VMStopped) Action() Action { return ActionVMStopped }

// VMMigrated records a VM moved away from its origin host. ServerMoid is the
// plan-declared origin so rollback knows where to return it.
type VMMigrated struct {
	VMMoid     string `json:"vm_moid"`
	ServerMoid string `json:"server_moid"`
}

func (VMMigrated) Action() Action { return ActionVMMigrated }

// VMStarted records a VM powered on, on the named host.
type VMStarted struct {
	VMMoid     string `json:"vm_moid"`
	ServerMoid string `json:"server_moid"`
}

func (VMStarted) Action() Action { return ActionVMStarted }

// ServerStopped records a host powered off via its BMC, carrying the BMC
// credentials rollback needs to power it back on. The password is encrypted
// before the row is written.
type ServerStopped struct {
	ServerMoid  string `json:"server_moid"`
	IloIP       string `json:"ilo_ip"`
	IloUser     string `json:"ilo_user"`
	IloPassword string `json:"ilo_password"`
}

func (ServerStopped) Action() Action { return ActionServerStopped }

// ServerStarted records a host powered back on during rollback.
type ServerStarted struct {
	ServerMoid string `json:"server_moid"`
}

func (ServerStarted) Action() Action { return ActionServerStarted }

// MigrationError is an advisory event with no inverse.
type MigrationError struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (MigrationError) Action() Action { return ActionMigrationError }

// Encryptor protects credential fields inside serialized payloads.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// Marshal serializes an event payload to JSON, encrypting the BMC password
// of ServerStopped events.
func Marshal(event Event, crypt Encryptor) (string, error) {
	if stopped, ok := event.(*ServerStopped); ok {
		encrypted, err := crypt.Encrypt(stopped.IloPassword)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt bmc password: %w", err)
		}
		sealed := *stopped
		sealed.IloPassword = encrypted
		event = &sealed
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s event: %w", event.Action(), err)
	}
	return string(raw), nil
}

// Unmarshal rebuilds an event from its action and JSON payload, decrypting
// the BMC password of ServerStopped events.
func Unmarshal(action Action, metadata string, crypt Encryptor) (Event, error) {
	var event Event
	switch action {
	case ActionVMStopped:
		event = &VMStopped{}
	case ActionVMMigrated:
		event = &VMMigrated{}
	case ActionVMStarted:
		event = &VMStarted{}
	case ActionServerStopped:
		event = &ServerStopped{}
	case ActionServerStarted:
		event = &ServerStarted{}
	case ActionMigrationError:
		event = &MigrationError{}
	default:
		return nil, fmt.Errorf("unknown event action: %s", action)
	}

	if err := json.Unmarshal([]byte(metadata), event); err != nil {
		return nil, fmt.Errorf("invalid %s event payload: %w", action, err)
	}

	if stopped, ok := event.(*ServerStopped); ok {
		password, err := crypt.Decrypt(stopped.IloPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt bmc password: %w", err)
		}
		stopped.IloPassword = password
	}

	return event, nil
}
