package ups

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanStatus(t *testing.T) {
	tests := []struct {
		name string
		log  string
		want Status
	}{
		{
			name: "on line",
			log:  "20260824 120000 230.0 100 OL 0.0\n",
			want: StatusOnLine,
		},
		{
			name: "on battery",
			log:  "20260824 120000 229.1 98 OB 0.0\n",
			want: StatusOnBattery,
		},
		{
			name: "last line wins",
			log: strings.Join([]string{
				"20260824 115900 230.0 100 OL 0.0",
				"20260824 120000 228.0 97 OB 0.0",
			}, "\n"),
			want: StatusOnBattery,
		},
		{
			name: "recovery after battery",
			log: strings.Join([]string{
				"20260824 115900 228.0 97 OB 0.0",
				"20260824 120000 230.0 100 OL 0.0",
			}, "\n"),
			want: StatusOnLine,
		},
		{
			name: "charging suffix",
			log:  "20260824 120000 230.0 80 OL:CHRG 0.0\n",
			want: StatusOnLine,
		},
		{
			name: "unrecognized lines are skipped",
			log: strings.Join([]string{
				"20260824 115900 228.0 97 OB 0.0",
				"upslog started",
			}, "\n"),
			want: StatusOnBattery,
		},
		{
			name: "no status token at all",
			log:  "upslog started\n",
			want: StatusUnknown,
		},
		{
			name: "empty log",
			log:  "",
			want: StatusUnknown,
		},
		{
			name: "OL inside a word does not match",
			log:  "VOLTAGE 230.0\n",
			want: StatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScanStatus(strings.NewReader(tt.log)))
		})
	}
}

func TestReadLogStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ups.log")
	require.NoError(t, os.WriteFile(path, []byte("20260824 120000 230.0 100 OL 0.0\n"), 0o644))

	status, err := ReadLogStatus(path)
	require.NoError(t, err)
	assert.Equal(t, StatusOnLine, status)

	_, err = ReadLogStatus(filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
}
