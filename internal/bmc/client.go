// Package bmc drives host power through the Redfish endpoint of an iLO-class
// baseboard management controller.
package bmc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// PowerState is the power state reported by the BMC. Anything other than ON
// or OFF is passed through verbatim so callers can log it.
type PowerState string

const (
	PowerOn      PowerState = "ON"
	PowerOff     PowerState = "OFF"
	PowerUnknown PowerState = "UNKNOWN"
)

const systemPath = "/redfish/v1/Systems/1/"

var (
	// ErrResetURIUnknown is returned when Start or Stop is called before
	// GetPowerState discovered the reset action target.
	ErrResetURIUnknown = errors.New("bmc: GetPowerState must be called before power actions")

	// ErrAlreadyInState is the logical-precondition result of the StartServer
	// and StopServer flows: the host is already in the requested state.
	ErrAlreadyInState = errors.New("bmc: server already in requested state")
)

// PayloadError carries a non-2xx response from the reset action endpoint.
type PayloadError struct {
	StatusCode int
	Body       string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("bmc: reset action rejected with status %d: %s", e.StatusCode, e.Body)
}

// PowerController is the engine-facing surface of one BMC.
type PowerController interface {
	GetPowerState(ctx context.Context) (PowerState, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	StartServer(ctx context.Context) error
	StopServer(ctx context.Context) error
}

// Factory builds a PowerController for one host's BMC coordinates.
type Factory func(ip, user, password string) PowerController

// Client talks to one BMC over HTTPS with basic auth. Certificate validation
// is off by default: self-signed BMCs are the norm.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	resetURI   string
}

var _ PowerController = (*Client)(nil)

// New creates a client for the BMC at the given address.
func New(ip, user, password string) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	return NewWithBaseURL("https://"+ip, user, password, &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	})
}

// NewWithBaseURL creates a client against an explicit base URL with a caller
// supplied HTTP client. Used by tests.
func NewWithBaseURL(baseURL, user, password string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		password:   password,
		httpClient: httpClient,
	}
}

type systemResource struct {
	PowerState string `json:"PowerState"`
	Actions    struct {
		Reset struct {
			Target string `json:"target"`
		} `json:"#ComputerSystem.Reset"`
	} `json:"Actions"`
}

// GetPowerState reads the system resource, caches the reset action URI and
// returns the reported power state.
func (c *Client) GetPowerState(ctx context.Context) (PowerState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+systemPath, nil)
	if err != nil {
		return PowerUnknown, fmt.Errorf("bmc: failed to build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PowerUnknown, fmt.Errorf("bmc: failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return PowerUnknown, &PayloadError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var system systemResource
	if err := json.NewDecoder(resp.Body).Decode(&system); err != nil {
		return PowerUnknown, fmt.Errorf("bmc: failed to decode system resource: %w", err)
	}

	c.resetURI = system.Actions.Reset.Target

	state := strings.ToUpper(system.PowerState)
	if state == "" {
		state = string(PowerUnknown)
	}
	return PowerState(state), nil
}

// Start powers the host on. GetPowerState must have been called first.
func (c *Client) Start(ctx context.Context) error {
	return c.sendReset(ctx, "On")
}

// Stop forces the host off. GetPowerState must have been called first.
func (c *Client) Stop(ctx context.Context) error {
	return c.sendReset(ctx, "ForceOff")
}

// StartServer checks the current state and powers the host on. An already-on
// host yields ErrAlreadyInState; an unexpected state is an error.
func (c *Client) StartServer(ctx context.Context) error {
	state, err := c.GetPowerState(ctx)
	if err != nil {
		return err
	}
	switch state {
	case PowerOn:
		return fmt.Errorf("%w: ON", ErrAlreadyInState)
	case PowerOff:
		return c.Start(ctx)
	default:
		return fmt.Errorf("bmc: unsupported power state %q", state)
	}
}

// StopServer checks the current state and forces the host off. An already-off
// host yields ErrAlreadyInState; an unexpected state is an error.
func (c *Client) StopServer(ctx context.Context) error {
	state, err := c.GetPowerState(ctx)
	if err != nil {
		return err
	}
	switch state {
	case PowerOff:
		return fmt.Errorf("%w: OFF", ErrAlreadyInState)
	case PowerOn:
		return c.Stop(ctx)
	default:
		return fmt.Errorf("bmc: unsupported power state %q", state)
	}
}

func (c *Client) sendReset(ctx context.Context, resetType string) error {
	if c.resetURI == "" {
		return ErrResetURIUnknown
	}

	payload, err := json.Marshal(map[string]string{"ResetType": resetType})
	if err != nil {
		return fmt.Errorf("bmc: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.resetURI, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bmc: failed to build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bmc: failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		log.WithFields(log.Fields{
			"bmc":        c.baseURL,
			"reset_type": resetType,
			"status":     resp.StatusCode,
		}).Info("BMC reset action accepted")
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return &PayloadError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
