package pwgraph

import "strconv"

// well-known property keys
const (
	keyObjectSerial = "object.serial"
	keyObjectPath   = "object.path"
	keyObjectLinger = "object.linger"

	keyNodeName        = "node.name"
	keyNodeDescription = "node.description"
	keyNodeLatency     = "node.latency"
	keyNodeVirtual     = "node.virtual"
	keyNodePassive     = "node.passive"
	keyNodeID          = "node.id"
	keyPrioritySession = "priority.session"
	keyTargetObject    = "target.object"
	keyTargetNode      = "target.node"

	keyMediaClass    = "media.class"
	keyMediaRole     = "media.role"
	keyMediaCategory = "media.category"
	keyMediaName     = "media.name"
	keyMediaIconName = "media.icon-name"

	keyAppID            = "application.id"
	keyAppName          = "application.name"
	keyAppProcessID     = "application.process.id"
	keyAppProcessBinary = "application.process.binary"
	keyAppIconName      = "application.icon-name"

	keyStreamCaptureSink = "stream.capture.sink"

	keyDeviceID          = "device.id"
	keyDeviceName        = "device.name"
	keyDeviceNick        = "device.nick"
	keyDeviceDescription = "device.description"
	keyDeviceAPI         = "device.api"
	keyDeviceBusID       = "device.bus-id"
	keyDeviceBusPath     = "device.bus-path"
	keyDeviceIconName    = "device.icon-name"
	keyBluez5Address     = "api.bluez5.address"

	keyPortID        = "port.id"
	keyPortName      = "port.name"
	keyPortDirection = "port.direction"
	keyPortPhysical  = "port.physical"
	keyPortTerminal  = "port.terminal"
	keyPortMonitor   = "port.monitor"
	keyAudioChannel  = "audio.channel"
	keyAudioFormat   = "format.dsp"

	keyLinkInputNode  = "link.input.node"
	keyLinkInputPort  = "link.input.port"
	keyLinkOutputNode = "link.output.node"
	keyLinkOutputPort = "link.output.port"
	keyLinkPassive    = "link.passive"

	keyModuleName        = "module.name"
	keyModuleDescription = "module.description"

	keyAccess    = "pipewire.access"
	keyClientAPI = "client.api"

	keyMetadataName = "metadata.name"
)

// Props is a property dictionary as announced by the graph server
type Props map[string]string

// Text looks up key and stores it into dst. It reports whether the key was present
func (p Props) Text(key string, dst *string) bool {
	v, ok := p[key]
	if !ok {
		return false
	}

	*dst = v
	return true
}

// Get returns the value for key or an empty string
func (p Props) Get(key string) string {
	return p[key]
}

// Uint32 parses key into dst, leaving dst untouched if missing or malformed
func (p Props) Uint32(key string, dst *uint32) bool {
	v, ok := p[key]
	if !ok {
		return false
	}

	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return false
	}

	*dst = uint32(n)
	return true
}

// Uint64 parses key into dst, leaving dst untouched if missing or malformed
func (p Props) Uint64(key string, dst *uint64) bool {
	v, ok := p[key]
	if !ok {
		return false
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return false
	}

	*dst = n
	return true
}

// Int parses key into dst, leaving dst untouched if missing or malformed
func (p Props) Int(key string, dst *int) bool {
	v, ok := p[key]
	if !ok {
		return false
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return false
	}

	*dst = n
	return true
}

// Bool stores whether key equals "true". It reports whether the key was present
func (p Props) Bool(key string, dst *bool) bool {
	v, ok := p[key]
	if !ok {
		return false
	}

	*dst = v == "true"
	return true
}
