package netclock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ntpConf = `# servers
server time.cloudflare.com iburst
server 192.0.2.10:1123 minpoll 4 maxpoll 8

tolerance 25
maxdisp 500
mindelta 0.5
highwater 0.9
timeout 2s
hold 1m
stale 10m
`

func TestReadConfig(t *testing.T) {
	config, err := ReadConfig(strings.NewReader(ntpConf))
	require.NoError(t, err)

	assert.Equal(t, []ServerConfig{
		{Address: "time.cloudflare.com", Burst: true},
		{Address: "192.0.2.10:1123", MinPoll: 4, MaxPoll: 8},
	}, config.Servers)
	assert.Equal(t, 25*time.Millisecond, config.Aggregation.ClusterTolerance)
	assert.Equal(t, 500*time.Millisecond, config.Aggregation.MaxDispersion)
	assert.Equal(t, 500*time.Microsecond, config.Publisher.MinChange)
	assert.Equal(t, 0.9, config.Publisher.HighWater)
	assert.Equal(t, 2*time.Second, config.Poll.Timeout)
	assert.Equal(t, time.Minute, config.Aggregation.HoldTimeout)
	assert.Equal(t, 10*time.Minute, config.Aggregation.StaleAfter)
}

func TestReadConfigErrors(t *testing.T) {
	cases := map[string]string{
		"unknown command":   "peer 192.0.2.1",
		"missing address":   "server",
		"unknown argument":  "server 192.0.2.1 prefer",
		"missing value":     "server 192.0.2.1 minpoll",
		"not an integer":    "server 192.0.2.1 maxpoll ten",
		"old version":       "server 192.0.2.1 version 3",
		"minpoll too small": "server 192.0.2.1 minpoll 1",
		"maxpoll too large": "server 192.0.2.1 maxpoll 18",
		"inverted poll":     "server 192.0.2.1 minpoll 8 maxpoll 6",
		"bad tolerance":     "tolerance -1",
		"bad highwater":     "highwater 1.5",
		"bad duration":      "stale soon",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadConfig(strings.NewReader("# ok\n" + line + "\n"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "line 2")
		})
	}
}

const yamlConf = `servers:
  - address: time.cloudflare.com
    iburst: true
  - address: 192.0.2.10:123
    minpoll: 5
    maxpoll: 9
poll:
  timeout: 1500ms
  unreachable_after: 4
aggregation:
  tolerance: 30ms
  stale: 5m
publisher:
  high_water: 0.75
  min_change: 2ms
`

func TestParseYAMLConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netclock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConf), 0o644))

	config, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []ServerConfig{
		{Address: "time.cloudflare.com", Burst: true},
		{Address: "192.0.2.10:123", MinPoll: 5, MaxPoll: 9},
	}, config.Servers)
	assert.Equal(t, 1500*time.Millisecond, config.Poll.Timeout)
	assert.Equal(t, 4, config.Poll.UnreachableAfter)
	assert.Equal(t, 30*time.Millisecond, config.Aggregation.ClusterTolerance)
	assert.Equal(t, 5*time.Minute, config.Aggregation.StaleAfter)
	assert.Equal(t, 0.75, config.Publisher.HighWater)
	assert.Equal(t, 2*time.Millisecond, config.Publisher.MinChange)
}

func TestParseYAMLConfigRejectsUnknownFields(t *testing.T) {
	_, err := ReadYAMLConfig(strings.NewReader("servers:\n  - address: a\n    burst: true\n"))
	assert.Error(t, err)
}

func TestParseConfigMissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.conf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestServerConfigPolicy(t *testing.T) {
	p := ServerConfig{Address: "a", MinPoll: 4, MaxPoll: 6}.policy(DefaultPollPolicy)
	assert.Equal(t, 16*time.Second, p.MinInterval)
	assert.Equal(t, 64*time.Second, p.MaxInterval)
	assert.Equal(t, 0, p.BurstCount)

	p = ServerConfig{Address: "a", Burst: true}.policy(DefaultPollPolicy)
	assert.Equal(t, DefaultPollPolicy.BurstCount, p.BurstCount)
	assert.Equal(t, DefaultPollPolicy.MinInterval, p.MinInterval)
}
