// Package plan loads and validates the site shutdown/migration plan document.
package plan

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Named validation errors, matched with errors.Is by callers.
var (
	ErrMissingController   = errors.New("plan: vCenter ip, user and password are required")
	ErrMissingGrace        = errors.New("plan: ups shutdownGrace and restartGrace are required")
	ErrNoServers           = errors.New("plan: at least one server entry is required")
	ErrHostMissingMoid     = errors.New("plan: server host requires a name and a moid")
	ErrMissingBMC          = errors.New("plan: host ilo ip, user and password are required")
	ErrDestinationIsOrigin = errors.New("plan: destination moid must differ from host moid")
)

const defaultControllerPort = 443

// Decryptor decrypts base64 ciphertext credentials from the plan document.
type Decryptor interface {
	Decrypt(encrypted string) (string, error)
}

// Controller holds the vCenter coordinates. Password is cleartext after load.
type Controller struct {
	IP       string
	User     string
	Password string
	Port     int
}

// Grace holds the UPS grace periods in seconds.
type Grace struct {
	ShutdownGrace int
	RestartGrace  int
}

// BMC holds the out-of-band management coordinates of one host.
type BMC struct {
	IP       string
	User     string
	Password string
}

// Host describes one managed hypervisor and its BMC.
type Host struct {
	Name string
	Moid string
	BMC  BMC
}

// HostPlan is the ordered shutdown/migration recipe for one host.
type HostPlan struct {
	Host        Host
	Destination *Host
	VMOrder     []string
}

// Plan is the validated, decrypted plan for one site.
type Plan struct {
	Controller Controller
	Grace      Grace
	Hosts      []HostPlan
}

type bmcYAML struct {
	IP       string `yaml:"ip"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type hostYAML struct {
	Name string  `yaml:"name"`
	Moid string  `yaml:"moid"`
	Ilo  bmcYAML `yaml:"ilo"`
}

type vmOrderYAML struct {
	VMMoID string `yaml:"vmMoId"`
}

type serverYAML struct {
	Server struct {
		Host        hostYAML      `yaml:"host"`
		Destination *hostYAML     `yaml:"destination"`
		VMOrder     []vmOrderYAML `yaml:"vmOrder"`
	} `yaml:"server"`
}

type planYAML struct {
	VCenter struct {
		IP       string `yaml:"ip"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Port     int    `yaml:"port"`
	} `yaml:"vCenter"`
	UPS struct {
		ShutdownGrace int `yaml:"shutdownGrace"`
		RestartGrace  int `yaml:"restartGrace"`
	} `yaml:"ups"`
	Servers []serverYAML `yaml:"servers"`
}

// Load parses the plan document at path, decrypting every credential through
// the vault. VM membership in vmOrder is not checked here; the engine
// validates it on first reference against the live inventory.
func Load(path string, vault Decryptor) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	var doc planYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}

	if doc.VCenter.IP == "" || doc.VCenter.User == "" || doc.VCenter.Password == "" {
		return nil, ErrMissingController
	}
	if doc.UPS.ShutdownGrace <= 0 || doc.UPS.RestartGrace <= 0 {
		return nil, ErrMissingGrace
	}
	if len(doc.Servers) == 0 {
		return nil, ErrNoServers
	}

	controllerPassword, err := vault.Decrypt(doc.VCenter.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt vCenter password: %w", err)
	}

	port := doc.VCenter.Port
	if port == 0 {
		port = defaultControllerPort
	}

	p := &Plan{
		Controller: Controller{
			IP:       doc.VCenter.IP,
			User:     doc.VCenter.User,
			Password: controllerPassword,
			Port:     port,
		},
		Grace: Grace{
			ShutdownGrace: doc.UPS.ShutdownGrace,
			RestartGrace:  doc.UPS.RestartGrace,
		},
	}

	for _, server := range doc.Servers {
		host, err := loadHost(server.Server.Host, vault)
		if err != nil {
			return nil, err
		}

		hp := HostPlan{Host: *host}

		if server.Server.Destination != nil {
			destination, err := loadHost(*server.Server.Destination, vault)
			if err != nil {
				return nil, err
			}
			if destination.Moid == host.Moid {
				return nil, fmt.Errorf("%w: host %s", ErrDestinationIsOrigin, host.Moid)
			}
			hp.Destination = destination
		}

		for _, vm := range server.Server.VMOrder {
			hp.VMOrder = append(hp.VMOrder, vm.VMMoID)
		}

		p.Hosts = append(p.Hosts, hp)
	}

	log.WithFields(log.Fields{
		"plan":    path,
		"vcenter": p.Controller.IP,
		"hosts":   len(p.Hosts),
	}).Info("Migration plan loaded")

	return p, nil
}

func loadHost(h hostYAML, vault Decryptor) (*Host, error) {
	if h.Name == "" || h.Moid == "" {
		return nil, ErrHostMissingMoid
	}
	if h.Ilo.IP == "" || h.Ilo.User == "" || h.Ilo.Password == "" {
		return nil, fmt.Errorf("%w: host %s", ErrMissingBMC, h.Moid)
	}

	password, err := vault.Decrypt(h.Ilo.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt ilo password for host %s: %w", h.Moid, err)
	}

	return &Host{
		Name: h.Name,
		Moid: h.Moid,
		BMC: BMC{
			IP:       h.Ilo.IP,
			User:     h.Ilo.User,
			Password: password,
		},
	}, nil
}
