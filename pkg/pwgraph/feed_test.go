package pwgraph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFeedEvents(t *testing.T) {
	session, _ := newTestSession(t, "", nil)
	feed := NewEventFeed(session, zap.NewNop().Sugar())

	// a disabled feed neither serves nor fails
	require.NoError(t, feed.Start(0))
	feed.Stop()

	node := Node{ID: 10, Serial: 100, Name: "firefox", MediaClass: MediaClassOutputStream, Volume: 0.5}

	first, err := feed.newEvent("node", nodePayload(StreamOutputAdded.String(), node))
	require.NoError(t, err)

	second, err := feed.newEvent("node", nodePayload("", node))
	require.NoError(t, err)

	assert.Equal(t, "2", first.ID)
	assert.Equal(t, "3", second.ID)
	assert.Equal(t, "node", first.Type)

	var payload feedNode
	require.NoError(t, json.Unmarshal(first.Data, &payload))
	assert.Equal(t, nodePayload(StreamOutputAdded.String(), node), payload)

	ping := feed.pingEvent()
	assert.Equal(t, "ping", ping.Type)
}

func TestRouteFields(t *testing.T) {
	device := Device{
		InputRouteName:       "analog-input-mic",
		InputRouteAvailable:  AvailabilityNo,
		OutputRouteName:      "analog-output-speaker",
		OutputRouteAvailable: AvailabilityYes,
	}

	in := DeviceRouteEvent{Direction: DirectionIn, Device: device}
	out := DeviceRouteEvent{Direction: DirectionOut, Device: device}

	assert.Equal(t, "analog-input-mic", routeName(in))
	assert.Equal(t, AvailabilityNo, routeAvailability(in))
	assert.Equal(t, "analog-output-speaker", routeName(out))
	assert.Equal(t, AvailabilityYes, routeAvailability(out))
}
