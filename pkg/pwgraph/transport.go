package pwgraph

import "errors"

// ErrTransport is returned when the connection to the graph server can't be created
var ErrTransport = errors.New("graph server transport unavailable")

// ObjectType classifies a global announced by the registry
type ObjectType string

const (
	TypeNode     ObjectType = "PipeWire:Interface:Node"
	TypeLink     ObjectType = "PipeWire:Interface:Link"
	TypePort     ObjectType = "PipeWire:Interface:Port"
	TypeModule   ObjectType = "PipeWire:Interface:Module"
	TypeClient   ObjectType = "PipeWire:Interface:Client"
	TypeDevice   ObjectType = "PipeWire:Interface:Device"
	TypeMetadata ObjectType = "PipeWire:Interface:Metadata"
	TypeCore     ObjectType = "PipeWire:Interface:Core"
)

// Transport speaks the graph server protocol. Events are delivered on a single channel
// that is closed once the transport is closed. Send must never block.
type Transport interface {
	Start() error
	Events() <-chan Event
	Send(req Request) error
	Close() error
}

// Event is one server pushed notification
type Event interface {
	event()
}

// GlobalAdded announces a new registry global
type GlobalAdded struct {
	ID    uint32
	Type  ObjectType
	Props Props
}

// GlobalRemoved announces the removal of a registry global
type GlobalRemoved struct {
	ID uint32
}

// NodeInfoChanged carries an info update for a bound node
type NodeInfoChanged struct {
	ID           uint32
	State        NodeState
	NInputPorts  int
	NOutputPorts int
	Props        Props
}

// NodeParamChanged carries the recognized parameters of a node. Nil fields were not reported
type NodeParamChanged struct {
	ID             uint32
	Format         *string
	Rate           *int
	Mute           *bool
	ChannelVolumes []float32
}

// LinkInfoChanged carries a link state update
type LinkInfoChanged struct {
	ID    uint32
	State LinkState
}

// ModuleInfoChanged carries a module info update
type ModuleInfoChanged struct {
	ID       uint32
	Filename string
	Props    Props
}

// ClientInfoChanged carries a client info update
type ClientInfoChanged struct {
	ID    uint32
	Props Props
}

// DeviceInfoChanged carries a device info update
type DeviceInfoChanged struct {
	ID    uint32
	Props Props
}

// DeviceRouteChanged carries one route parameter of a device
type DeviceRouteChanged struct {
	ID        uint32
	Direction Direction
	Name      string
	Available Availability
}

// MetadataProperty is a key/value change on a metadata object
type MetadataProperty struct {
	MetadataID uint32
	Subject    uint32
	Key        string
	Type       string
	Value      string
}

// CoreInfo describes the server
type CoreInfo struct {
	Version string
	Name    string
	Props   Props
}

// CoreError reports a server side error, possibly for a pending request
type CoreError struct {
	ID      uint32
	Seq     uint32
	Res     int
	Message string
}

// Done acknowledges the request with the same sequence number
type Done struct {
	Seq uint32
	Err error
}

func (GlobalAdded) event()        {}
func (GlobalRemoved) event()      {}
func (NodeInfoChanged) event()    {}
func (NodeParamChanged) event()   {}
func (LinkInfoChanged) event()    {}
func (ModuleInfoChanged) event()  {}
func (ClientInfoChanged) event()  {}
func (DeviceInfoChanged) event()  {}
func (DeviceRouteChanged) event() {}
func (MetadataProperty) event()   {}
func (CoreInfo) event()           {}
func (CoreError) event()          {}
func (Done) event()               {}

// Command is one request to the server
type Command interface {
	command()
}

// Request pairs a command with the sequence number its Done will carry
type Request struct {
	Seq     uint32
	Command Command
}

// Sync asks the server to acknowledge once everything sent before it was processed
type Sync struct{}

// CreateNode creates a node through a server side factory
type CreateNode struct {
	Factory string
	Props   Props
}

// CreateLink links two ports
type CreateLink struct {
	OutputNode uint32
	OutputPort uint32
	InputNode  uint32
	InputPort  uint32
	Passive    bool
}

// DestroyLink removes the link between two ports
type DestroyLink struct {
	OutputPort uint32
	InputPort  uint32
}

// DestroyObject asks the registry to destroy any object by id
type DestroyObject struct {
	ID uint32
}

// SetMetadata sets a property on the default metadata. An empty Type and Value clears it
type SetMetadata struct {
	Subject uint32
	Key     string
	Type    string
	Value   string
}

// SetNodeParam sets the Props parameter of a node
type SetNodeParam struct {
	NodeID         uint32
	Mute           *bool
	ChannelVolumes []float32
}

func (Sync) command()          {}
func (CreateNode) command()    {}
func (CreateLink) command()    {}
func (DestroyLink) command()   {}
func (DestroyObject) command() {}
func (SetMetadata) command()   {}
func (SetNodeParam) command()  {}
