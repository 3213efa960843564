package pwgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ports(direction Direction, channels ...string) []Port {
	list := make([]Port, 0, len(channels))
	for i, channel := range channels {
		list = append(list, Port{ID: uint32(10*len(direction) + i), PortID: uint32(i), Direction: direction, AudioChannel: channel})
	}
	return list
}

func TestMatchPorts(t *testing.T) {
	tests := []struct {
		name     string
		outputs  []Port
		inputs   []Port
		probe    bool
		expected [][2]string
		fails    bool
	}{
		{
			name:     "stereo matched by label",
			outputs:  ports(DirectionOut, "FL", "FR"),
			inputs:   ports(DirectionIn, "FR", "FL"),
			expected: [][2]string{{"FL", "FL"}, {"FR", "FR"}},
		},
		{
			name:     "unlabelled matched by index",
			outputs:  ports(DirectionOut, "AUX0", "AUX1", "AUX2"),
			inputs:   ports(DirectionIn, "AUX0", "AUX1", "AUX2"),
			expected: [][2]string{{"AUX0", "AUX0"}, {"AUX1", "AUX1"}, {"AUX2", "AUX2"}},
		},
		{
			name:     "mono to unlabelled stereo by index",
			outputs:  ports(DirectionOut, "MONO"),
			inputs:   ports(DirectionIn, "AUX0", "AUX1"),
			expected: [][2]string{{"MONO", "AUX0"}},
		},
		{
			name:    "only one side labelled",
			outputs: ports(DirectionOut, "FL", "FR"),
			inputs:  ports(DirectionIn, "AUX0", "AUX1"),
			fails:   true,
		},
		{
			name:     "probe taps front channels",
			outputs:  ports(DirectionOut, "FL", "FR"),
			inputs:   ports(DirectionIn, "PROBE_FL", "PROBE_FR"),
			probe:    true,
			expected: [][2]string{{"FL", "PROBE_FL"}, {"FR", "PROBE_FR"}},
		},
		{
			name:    "probe without probe ports",
			outputs: ports(DirectionOut, "FL", "FR"),
			inputs:  ports(DirectionIn, "FL", "FR"),
			probe:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs, err := matchPorts(tt.outputs, tt.inputs, tt.probe)

			if tt.fails {
				require.Error(t, err)
				assert.Empty(t, pairs)
				return
			}

			require.NoError(t, err)

			var got [][2]string
			for _, pair := range pairs {
				got = append(got, [2]string{pair.output.AudioChannel, pair.input.AudioChannel})
			}

			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCollectPortsFiltersProbeInputs(t *testing.T) {
	all := []Port{
		{ID: 1, NodeID: 1, Direction: DirectionOut, AudioChannel: "FL"},
		{ID: 2, NodeID: 1, Direction: DirectionIn, AudioChannel: "FL"},
		{ID: 3, NodeID: 2, Direction: DirectionIn, AudioChannel: "FL"},
		{ID: 4, NodeID: 2, Direction: DirectionIn, AudioChannel: "PROBE_FL"},
		{ID: 5, NodeID: 2, Direction: DirectionOut, AudioChannel: "FL"},
	}

	outputs, inputs := collectPorts(all, 1, 2, false)
	assert.Len(t, outputs, 1)
	assert.Len(t, inputs, 2)

	outputs, inputs = collectPorts(all, 1, 2, true)
	assert.Len(t, outputs, 1)
	require.Len(t, inputs, 1)
	assert.Equal(t, uint32(4), inputs[0].ID)
}

func TestLinkNodesContinuesAfterFailure(t *testing.T) {
	failFirst := true
	server := newFakeServer()

	session, transport := newTestSession(t, "", func(req Request) []Event {
		if _, ok := req.Command.(CreateLink); ok && failFirst {
			failFirst = false
			return []Event{CoreError{Seq: req.Seq, Res: -22, Message: "invalid port"}}
		}
		return server.handle(req)
	})

	apply(session,
		portGlobal(101, 1101, 100, DirectionOut, "FL", 0),
		portGlobal(102, 1102, 100, DirectionOut, "FR", 1),
		portGlobal(201, 1201, 200, DirectionIn, "FL", 0),
		portGlobal(202, 1202, 200, DirectionIn, "FR", 1),
	)

	require.NoError(t, transport.Start())
	session.started = true
	go session.run()

	handles := session.LinkNodes(100, 200, false, false)

	require.Len(t, handles, 1)
	assert.Equal(t, uint32(102), handles[0].OutputPort)
	assert.Equal(t, 2, transport.count(isCreateLink))
}
