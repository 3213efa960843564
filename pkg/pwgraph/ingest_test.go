package pwgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeAppearFilters(t *testing.T) {
	tests := []struct {
		name    string
		event   GlobalAdded
		tracked bool
	}{
		{
			name:    "sink is tracked",
			event:   nodeGlobal(10, 100, "alsa_output.pci", MediaClassSink),
			tracked: true,
		},
		{
			name:  "unknown media class",
			event: nodeGlobal(10, 100, "v4l2_camera", "Video/Source"),
		},
		{
			name:  "blocklisted node name",
			event: nodeGlobal(10, 100, "pavucontrol", MediaClassInputStream),
		},
		{
			name:  "level meter",
			event: nodeGlobal(10, 100, "something_output_level", MediaClassSink),
		},
		{
			name: "blocklisted media role",
			event: GlobalAdded{ID: 10, Type: TypeNode, Props: Props{
				keyObjectSerial: "100",
				keyNodeName:     "bell",
				keyMediaClass:   MediaClassOutputStream,
				keyMediaRole:    "event",
			}},
		},
		{
			name: "missing serial",
			event: GlobalAdded{ID: 10, Type: TypeNode, Props: Props{
				keyNodeName:   "alsa_output.pci",
				keyMediaClass: MediaClassSink,
			}},
		},
		{
			name: "own filter",
			event: GlobalAdded{ID: 10, Type: TypeNode, Props: Props{
				keyObjectSerial:  "100",
				keyNodeName:      "pwgraph_equalizer",
				keyMediaClass:    "Audio/Filter",
				keyMediaRole:     "DSP",
				keyMediaCategory: "Filter",
			}},
			tracked: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, _ := newTestSession(t, "", nil)

			apply(session, tt.event)

			_, ok := session.NodeBySerial(100)
			assert.Equal(t, tt.tracked, ok)
		})
	}
}

func TestDuplicateSerialKeepsFirstNode(t *testing.T) {
	session, _ := newTestSession(t, "", nil)

	apply(session,
		nodeGlobal(10, 100, "first", MediaClassSink),
		nodeGlobal(11, 100, "second", MediaClassSink),
	)

	nodes := session.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "first", nodes[0].Name)
	assert.Equal(t, uint32(10), nodes[0].ID)
}

func TestVirtualSinkRoleIsUnique(t *testing.T) {
	session, _ := newTestSession(t, "", nil)

	apply(session,
		nodeGlobal(10, 100, AppSinkName, MediaClassSink),
		nodeGlobal(11, 101, AppSinkName, MediaClassSink),
	)

	sink := session.AppSinkNode()
	assert.Equal(t, uint64(100), sink.Serial)
	assert.Equal(t, MediaClassAppSink, sink.MediaClass)
	assert.Len(t, session.Nodes(), 1)

	apply(session, GlobalRemoved{ID: 10})
	assert.False(t, session.AppSinkNode().Valid())

	// the role is free again
	apply(session, nodeGlobal(11, 101, AppSinkName, MediaClassSink))
	assert.Equal(t, uint64(101), session.AppSinkNode().Serial)
}

func TestNodeInfoNotifications(t *testing.T) {
	session, _ := newTestSession(t, "", nil)
	events := session.SubscribeToNodeEvents()

	apply(session,
		nodeGlobal(10, 100, "alsa_output.pci", MediaClassSink),
		NodeInfoChanged{ID: 10, State: NodeStateIdle, Props: Props{keyNodeLatency: "1024/48000"}},
		NodeInfoChanged{ID: 10, State: NodeStateRunning, Props: Props{keyNodeLatency: "N/D"}},
		GlobalRemoved{ID: 10},
	)

	require.Len(t, events, 3)

	added := <-events
	assert.Equal(t, SinkAdded, added.Kind)
	assert.Equal(t, NodeStateIdle, added.Node.State)
	assert.Equal(t, 48000, added.Node.Rate)
	assert.InDelta(t, 1024.0/48000.0, added.Node.Latency, 1e-6)

	changed := <-events
	assert.Equal(t, SinkChanged, changed.Kind)
	assert.Equal(t, NodeStateRunning, changed.Node.State)
	assert.InDelta(t, 1024.0/48000.0, changed.Node.Latency, 1e-6)

	removed := <-events
	assert.Equal(t, SinkRemoved, removed.Kind)
}

func TestNodeVolumeIsLoudestChannel(t *testing.T) {
	session, _ := newTestSession(t, "", nil)

	mute := true
	format := "F32LE"

	apply(session,
		nodeGlobal(10, 100, "alsa_output.pci", MediaClassSink),
		NodeInfoChanged{ID: 10},
		NodeParamChanged{ID: 10, ChannelVolumes: []float32{0.2, 0.7, 0.5}, Mute: &mute, Format: &format},
	)

	node, ok := session.NodeBySerial(100)
	require.True(t, ok)

	assert.InDelta(t, 0.7, node.Volume, 1e-6)
	assert.Equal(t, 3, node.NVolumeChannels)
	assert.True(t, node.Mute)
	assert.Equal(t, "F32LE", node.Format)
}

func TestInfoFiltersIgnoreStreams(t *testing.T) {
	yaml := "blocklist:\n  app_id:\n    - org.example.Meter\noutput_device: alsa_output.usb\n"

	tests := []struct {
		name  string
		props Props
	}{
		{name: "blocklisted app id", props: Props{keyAppID: "org.example.Meter"}},
		{name: "monitor capture", props: Props{keyStreamCaptureSink: "true"}},
		{name: "targets another device", props: Props{keyTargetObject: "alsa_output.hdmi"}},
		{name: "targets another serial", props: Props{keyTargetObject: "777"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, _ := newTestSession(t, yaml, nil)
			events := session.SubscribeToNodeEvents()

			apply(session,
				nodeGlobal(10, 100, "firefox", MediaClassOutputStream),
				NodeInfoChanged{ID: 10, Props: tt.props},
			)

			assert.Empty(t, events)
		})
	}

	t.Run("targets the selected device", func(t *testing.T) {
		session, _ := newTestSession(t, yaml, nil)
		events := session.SubscribeToNodeEvents()

		apply(session,
			nodeGlobal(10, 100, "firefox", MediaClassOutputStream),
			NodeInfoChanged{ID: 10, Props: Props{keyTargetObject: "alsa_output.usb"}},
		)

		require.Len(t, events, 1)
		assert.Equal(t, StreamOutputAdded, (<-events).Kind)
	})
}

func TestUserBlocklistMarksStreams(t *testing.T) {
	session, _ := newTestSession(t, "blocklist:\n  output_streams:\n    - spotify\n", nil)

	apply(session,
		nodeGlobal(10, 100, "spotify", MediaClassOutputStream),
		nodeGlobal(11, 101, "firefox", MediaClassOutputStream),
	)

	blocked, _ := session.NodeBySerial(100)
	allowed, _ := session.NodeBySerial(101)

	assert.True(t, blocked.IsBlocklisted)
	assert.False(t, allowed.IsBlocklisted)
}

func TestNewStreamsAreRoutedToVirtualSink(t *testing.T) {
	session, transport := newTestSession(t, "process_all_outputs: true\n", nil)

	apply(session,
		metadataGlobal(50),
		nodeGlobal(20, 200, AppSinkName, MediaClassSink),
		nodeGlobal(10, 100, "firefox", MediaClassOutputStream),
		NodeInfoChanged{ID: 10},
		// a second info must not route again
		NodeInfoChanged{ID: 10},
	)

	var writes []SetMetadata
	for _, cmd := range transport.sent() {
		if set, ok := cmd.(SetMetadata); ok {
			writes = append(writes, set)
		}
	}

	require.Len(t, writes, 2)
	assert.Equal(t, SetMetadata{Subject: 10, Key: keyTargetNode, Type: "Spa:Id", Value: "20"}, writes[0])
	assert.Equal(t, SetMetadata{Subject: 10, Key: keyTargetObject, Type: "Spa:Id", Value: "200"}, writes[1])
}

func TestStreamConnectedToVirtualSink(t *testing.T) {
	session, _ := newTestSession(t, "", nil)

	apply(session,
		nodeGlobal(20, 200, AppSinkName, MediaClassSink),
		nodeGlobal(10, 100, "firefox", MediaClassOutputStream),
		linkGlobal(30, 300, 10, 11, 20, 21),
		NodeInfoChanged{ID: 10},
	)

	node, _ := session.NodeBySerial(100)
	assert.True(t, node.Connected)
	assert.True(t, session.StreamIsConnected(10, MediaClassOutputStream))
	assert.False(t, session.StreamIsConnected(10, MediaClassInputStream))
}

func TestSelectedDeviceIsClearedOnRemoval(t *testing.T) {
	session, _ := newTestSession(t, "output_device: alsa_output.usb\n", nil)

	apply(session, nodeGlobal(10, 100, "alsa_output.usb", MediaClassSink))

	device := session.OutputDevice()
	require.True(t, device.Valid())
	assert.Equal(t, uint32(10), device.ID)

	apply(session, GlobalRemoved{ID: 10})

	device = session.OutputDevice()
	assert.False(t, device.Valid())
	assert.Equal(t, "alsa_output.usb", device.Name)

	// the same device coming back is picked up again
	apply(session, nodeGlobal(12, 102, "alsa_output.usb", MediaClassSink))
	assert.Equal(t, uint32(12), session.OutputDevice().ID)
}

func TestDeviceInfoAndRoutes(t *testing.T) {
	session, _ := newTestSession(t, "", nil)
	routes := session.SubscribeToDeviceRouteEvents()

	apply(session,
		GlobalAdded{ID: 5, Type: TypeDevice, Props: Props{keyObjectSerial: "50", keyMediaClass: MediaClassDevice}},
		GlobalAdded{ID: 6, Type: TypeDevice, Props: Props{keyObjectSerial: "60", keyMediaClass: "Video/Device"}},
		DeviceInfoChanged{ID: 5, Props: Props{
			keyDeviceName:    "bluez_card.00_11",
			keyDeviceAPI:     "bluez5",
			keyDeviceBusID:   "pci-0000:00:1f.3+1",
			keyBluez5Address: "00:11:22:33:44:55",
		}},
		DeviceRouteChanged{ID: 5, Direction: DirectionOut, Name: "headset-output", Available: AvailabilityYes},
		DeviceRouteChanged{ID: 5, Direction: DirectionOut, Name: "headset-output", Available: AvailabilityYes},
	)

	devices := session.Devices()
	require.Len(t, devices, 1)

	device := devices[0]
	assert.Equal(t, "pci-0000_00_1f.3_1", device.BusID)
	assert.Equal(t, "00_11_22_33_44_55", device.BusPath)
	assert.Equal(t, "headset-output", device.OutputRouteName)

	require.Len(t, routes, 1)
	route := <-routes
	assert.Equal(t, DirectionOut, route.Direction)
	assert.Equal(t, AvailabilityYes, route.Device.OutputRouteAvailable)
}

func TestModulesAndClients(t *testing.T) {
	session, _ := newTestSession(t, "", nil)

	apply(session,
		GlobalAdded{ID: 3, Type: TypeModule, Props: Props{keyObjectSerial: "30", keyModuleName: "libpipewire-module-rt"}},
		ModuleInfoChanged{ID: 3, Filename: "/usr/lib/pipewire/libpipewire-module-rt.so", Props: Props{keyModuleDescription: "Use realtime thread scheduling"}},
		GlobalAdded{ID: 4, Type: TypeClient, Props: Props{keyObjectSerial: "40"}},
		ClientInfoChanged{ID: 4, Props: Props{keyAppName: "pw-dump", keyAccess: "unrestricted", keyClientAPI: "pipewire-pulse"}},
		CoreInfo{Version: "1.0.5", Name: "pipewire-0", Props: Props{"default.clock.rate": "48000"}},
	)

	modules := session.Modules()
	require.Len(t, modules, 1)
	assert.Equal(t, "Use realtime thread scheduling", modules[0].Description)
	assert.Equal(t, "/usr/lib/pipewire/libpipewire-module-rt.so", modules[0].Filename)

	clients := session.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "pw-dump", clients[0].Name)
	assert.Equal(t, "unrestricted", clients[0].Access)

	info := session.ServerInfo()
	assert.Equal(t, "1.0.5", info.Version)
	assert.Equal(t, "48000", info.DefaultClockRate)

	apply(session, GlobalRemoved{ID: 3}, GlobalRemoved{ID: 4})
	assert.Empty(t, session.Modules())
	assert.Empty(t, session.Clients())
}

func TestParseLatency(t *testing.T) {
	value, rate, ok := parseLatency("256/48000")
	require.True(t, ok)
	assert.Equal(t, 48000, rate)
	assert.InDelta(t, 256.0/48000.0, value, 1e-6)

	for _, bad := range []string{"N/D", "", "1024", "1024/0", "x/48000"} {
		_, _, ok := parseLatency(bad)
		assert.False(t, ok, bad)
	}
}

func TestTargetMatches(t *testing.T) {
	device := Node{ID: 40, Serial: 400, Name: "alsa_output.usb"}
	app := Node{ID: 20, Serial: 200, Name: AppSinkName}

	assert.True(t, targetMatches("400", device, app))
	assert.True(t, targetMatches("200", device, app))
	assert.True(t, targetMatches("alsa_output.usb", device, app))
	assert.True(t, targetMatches(AppSinkName, device, app))
	assert.True(t, targetMatches("18446744073709551615", device, app))
	assert.False(t, targetMatches("401", device, app))
	assert.False(t, targetMatches("alsa_output.hdmi", device, app))
}
