// Package ups watches a NUT-style UPS log and drives the shutdown and
// rollback engines on power state transitions.
package ups

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Status is the power state reported by the UPS log.
type Status string

const (
	// StatusOnLine means utility power is present.
	StatusOnLine Status = "ON_LINE"
	// StatusOnBattery means the site runs on battery.
	StatusOnBattery Status = "POWER_FAILURE"
	// StatusUnknown means the log carries no recognizable state yet.
	StatusUnknown Status = "UNKNOWN"
)

// lineStatus extracts the power state token from one upslog line. NUT logs
// the status field as OL (on line) or OB (on battery) among the metric
// columns.
func lineStatus(line string) Status {
	for _, field := range strings.Fields(line) {
		switch strings.ToUpper(field) {
		case "OB", "OB:DISCHRG":
			return StatusOnBattery
		case "OL", "OL:CHRG":
			return StatusOnLine
		}
	}
	return StatusUnknown
}

// ScanStatus returns the most recent recognizable power state in the log
// stream.
func ScanStatus(r io.Reader) Status {
	status := StatusUnknown

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if s := lineStatus(scanner.Text()); s != StatusUnknown {
			status = s
		}
	}
	return status
}

// ReadLogStatus reads the power state from the UPS log file.
func ReadLogStatus(path string) (Status, error) {
	f, err := os.Open(path)
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to open UPS log %s: %w", path, err)
	}
	defer f.Close()

	return ScanStatus(f), nil
}
