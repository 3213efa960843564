package pwgraph

import "fmt"

// InvalidID marks an id that has not been assigned by the graph server
const InvalidID = ^uint32(0)

// InvalidSerial marks a serial that has not been assigned by the graph server
const InvalidSerial = ^uint64(0)

// media classes as announced by the graph server, plus the two classes reserved for our own devices
const (
	MediaClassSink          = "Audio/Sink"
	MediaClassSource        = "Audio/Source"
	MediaClassVirtualSource = "Audio/Source/Virtual"
	MediaClassOutputStream  = "Stream/Output/Audio"
	MediaClassInputStream   = "Stream/Input/Audio"
	MediaClassDevice        = "Audio/Device"

	MediaClassAppSink   = "Audio/Sink/App"
	MediaClassAppSource = "Audio/Source/App"
)

// names of the two permanent virtual devices. These are reserved and never match a real device
const (
	AppSinkName   = "app-sink"
	AppSourceName = "app-source"
)

// NodeState mirrors the graph server's node state enum
type NodeState int

const (
	NodeStateError NodeState = iota - 1
	NodeStateCreating
	NodeStateSuspended
	NodeStateIdle
	NodeStateRunning
)

func (s NodeState) String() string {
	switch s {
	case NodeStateError:
		return "error"
	case NodeStateCreating:
		return "creating"
	case NodeStateSuspended:
		return "suspended"
	case NodeStateIdle:
		return "idle"
	case NodeStateRunning:
		return "running"
	}

	return fmt.Sprintf("unknown(%d)", int(s))
}

// LinkState mirrors the graph server's link state enum
type LinkState int

const (
	LinkStateError LinkState = iota - 2
	LinkStateUnlinked
	LinkStateInit
	LinkStateNegotiating
	LinkStateAllocating
	LinkStatePaused
	LinkStateActive
)

func (s LinkState) String() string {
	switch s {
	case LinkStateError:
		return "error"
	case LinkStateUnlinked:
		return "unlinked"
	case LinkStateInit:
		return "init"
	case LinkStateNegotiating:
		return "negotiating"
	case LinkStateAllocating:
		return "allocating"
	case LinkStatePaused:
		return "paused"
	case LinkStateActive:
		return "active"
	}

	return fmt.Sprintf("unknown(%d)", int(s))
}

// Availability of a device route
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityNo
	AvailabilityYes
)

func (a Availability) String() string {
	switch a {
	case AvailabilityNo:
		return "no"
	case AvailabilityYes:
		return "yes"
	}

	return "unknown"
}

// Direction of a port or device route
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Node is a value snapshot of a graph node. The serial, not the id, is its durable key
type Node struct {
	ID       uint32
	Serial   uint64
	DeviceID uint32

	Name        string
	Description string
	MediaClass  string
	MediaRole   string
	MediaName   string

	ApplicationID    string
	AppName          string
	AppProcessID     string
	AppProcessBinary string
	AppIconName      string
	MediaIconName    string
	DeviceIconName   string

	Format   string
	Priority int

	State NodeState
	Mute  bool

	NInputPorts     int
	NOutputPorts    int
	Rate            int
	NVolumeChannels int

	// seconds
	Latency float32
	Volume  float32

	Connected     bool
	IsBlocklisted bool
}

func (n Node) String() string {
	return fmt.Sprintf("<node: %d %s (%s), serial: %d>", n.ID, n.Name, n.MediaClass, n.Serial)
}

func invalidNode() Node {
	return Node{ID: InvalidID, Serial: InvalidSerial, DeviceID: InvalidID, Priority: -1}
}

// Valid reports whether the node snapshot refers to a tracked server object
func (n Node) Valid() bool {
	return n.ID != InvalidID && n.Serial != InvalidSerial
}

// Port is a value snapshot of a single audio channel endpoint
type Port struct {
	ID     uint32
	Serial uint64

	// index of the port within its node
	PortID uint32
	NodeID uint32

	Name         string
	Direction    Direction
	AudioChannel string
	FormatDSP    string

	Physical bool
	Terminal bool
	Monitor  bool
}

// Link is a value snapshot of a directed port to port connection
type Link struct {
	ID     uint32
	Serial uint64
	Path   string

	OutputNodeID uint32
	OutputPortID uint32
	InputNodeID  uint32
	InputPortID  uint32

	// a passive link does not cause the graph to be runnable
	Passive bool
	State   LinkState
}

// Module is a value snapshot of a server module
type Module struct {
	ID          uint32
	Serial      uint64
	Name        string
	Description string
	Filename    string
}

// Client is a value snapshot of a server client
type Client struct {
	ID     uint32
	Serial uint64
	Name   string
	Access string
	API    string
}

// Device is a value snapshot of an audio device
type Device struct {
	ID          uint32
	Serial      uint64
	Name        string
	Nick        string
	Description string
	MediaClass  string
	API         string
	BusID       string
	BusPath     string

	InputRouteName       string
	OutputRouteName      string
	InputRouteAvailable  Availability
	OutputRouteAvailable Availability
}

// ServerInfo holds what the server told us about itself
type ServerInfo struct {
	Version           string
	Name              string
	DefaultClockRate  string
	DefaultMinQuantum string
	DefaultMaxQuantum string
	DefaultQuantum    string
}
