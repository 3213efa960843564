package pwgraph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigDefaults(t *testing.T) {
	config, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	require.NoError(t, err)

	config.SetPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, config.Load())

	bl := config.Blocklists()
	assert.Contains(t, bl.NodeNames, "pavucontrol")
	assert.Equal(t, []string{"event", "Notification"}, bl.MediaRoles)
	assert.Empty(t, bl.AppIDs)

	routing := config.Routing()
	assert.False(t, routing.ProcessAllOutputs)
	assert.True(t, routing.ExcludeMonitorStreams)
	assert.True(t, routing.UseDefaultOutputDevice)
	assert.Empty(t, routing.OutputDevice)

	timing := config.Timing()
	assert.Equal(t, 30*time.Second, timing.SyncTimeout)
	assert.Equal(t, 30*time.Second, timing.BootstrapTimeout)
	assert.Equal(t, 10*time.Second, timing.InactivityTimeout)

	assert.Empty(t, config.OutputFilters())
	assert.True(t, config.ProbePulseDefaults)
	assert.Zero(t, config.EventFeedPort)
}

func TestConfigOverrides(t *testing.T) {
	config := newTestConfig(t, `
process_all_outputs: true
exclude_monitor_streams: false
output_device: alsa_output.usb
sync_timeout: 2s
bootstrap_timeout: 0s
event_feed_port: 8080
blocklist:
  app_id:
    - " org.example.Meter "
    - org.example.Meter
    - ""
output_filters:
  - pwgraph_equalizer
  - pwgraph_echo_canceller
`)

	routing := config.Routing()
	assert.True(t, routing.ProcessAllOutputs)
	assert.False(t, routing.ExcludeMonitorStreams)
	assert.Equal(t, "alsa_output.usb", routing.OutputDevice)

	timing := config.Timing()
	assert.Equal(t, 2*time.Second, timing.SyncTimeout)
	// non-positive bounds fall back to the defaults
	assert.Equal(t, 30*time.Second, timing.BootstrapTimeout)

	assert.Equal(t, []string{"org.example.Meter"}, config.Blocklists().AppIDs)
	assert.Contains(t, config.Blocklists().NodeNames, "pavucontrol")
	assert.Equal(t, []string{"pwgraph_equalizer", "pwgraph_echo_canceller"}, config.OutputFilters())
	assert.Equal(t, 8080, config.EventFeedPort)
}

func TestConfigInvalidYAMLNotifies(t *testing.T) {
	notifier := &fakeNotifier{}

	config, err := NewConfig(zap.NewNop().Sugar(), notifier)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output_filters: [\n"), 0o644))
	config.SetPath(path)

	assert.Error(t, config.Load())
	assert.Equal(t, []string{"Invalid configuration!"}, notifier.messages)
}

func TestRuntimeDeviceSurvivesReload(t *testing.T) {
	config := newTestConfig(t, "process_all_inputs: true\n")

	config.SetOutputDevice("alsa_output.hdmi")
	require.NoError(t, config.Load())

	assert.Equal(t, "alsa_output.hdmi", config.Routing().OutputDevice)
	assert.True(t, config.Routing().ProcessAllInputs)
}

func TestReloadConsumers(t *testing.T) {
	config := newTestConfig(t, "")

	reloads := config.SubscribeToChanges()

	config.onConfigReloaded()
	config.onConfigReloaded()

	assert.Len(t, reloads, 1)

	config.StopWatchingConfigFile()

	_, open := <-reloads
	assert.True(t, open)
	_, open = <-reloads
	assert.False(t, open)
}

func TestCleanList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, cleanList([]string{" a ", "", "b", "a", "  "}))
	assert.Empty(t, cleanList(nil))
}
