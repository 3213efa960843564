package pwgraph

import (
	"strconv"
	"strings"

	"github.com/stalexteam/pwgraph/pkg/pwgraph/util"
)

// all handlers below run on the loop goroutine with the loop lock held

func (s *Session) onGlobalAdded(e GlobalAdded) {
	if s.exiting.Load() || e.ID == InvalidID {
		return
	}

	if _, ok := s.tracked[e.ID]; ok {
		s.ingestLogger.Debugw("Global id already tracked, ignoring announcement", "id", e.ID, "type", e.Type)
		return
	}

	switch e.Type {
	case TypeNode:
		s.onNodeAdded(e)
	case TypeLink:
		s.onLinkAdded(e)
	case TypePort:
		s.onPortAdded(e)
	case TypeModule:
		s.onModuleAdded(e)
	case TypeClient:
		s.onClientAdded(e)
	case TypeDevice:
		s.onDeviceAdded(e)
	case TypeMetadata:
		s.onMetadataAdded(e)
	}
}

func (s *Session) track(id uint32, typ ObjectType, serial uint64) *trackedObject {
	obj := &trackedObject{typ: typ, serial: serial}
	s.tracked[id] = obj
	return obj
}

func (s *Session) trackedAs(id uint32, typ ObjectType) (*trackedObject, bool) {
	obj, ok := s.tracked[id]
	if !ok || obj.typ != typ {
		return nil, false
	}

	return obj, true
}

func (s *Session) onNodeAdded(e GlobalAdded) {
	props := e.Props
	bl := s.config.Blocklists()

	if role, ok := props[keyMediaRole]; ok && roleBlocklisted(bl, role) {
		s.ingestLogger.Debugw("Ignoring node with blocklisted media role", "id", e.ID, "role", role)
		return
	}

	mediaClass := props.Get(keyMediaClass)
	ownFilter := isOwnFilter(props)

	if !ownFilter && !trackedMediaClass(mediaClass) {
		return
	}

	name := props.Get(keyNodeName)
	if nameBlocklisted(bl, name) {
		s.ingestLogger.Debugw("Ignoring blocklisted node", "id", e.ID, "name", name)
		return
	}

	var serial uint64
	if !props.Uint64(keyObjectSerial, &serial) {
		s.ingestLogger.Warnw("Node announced without serial, dropping it", "id", e.ID, "name", name)
		return
	}

	node := invalidNode()
	node.ID = e.ID
	node.Serial = serial
	node.Name = name
	node.MediaClass = mediaClass
	node.MediaRole = props.Get(keyMediaRole)
	node.ApplicationID = props.Get(keyAppID)
	props.Text(keyNodeDescription, &node.Description)
	props.Int(keyPrioritySession, &node.Priority)
	props.Uint32(keyDeviceID, &node.DeviceID)

	// our two permanent devices get reserved classes so they never look like real devices
	switch name {
	case AppSinkName:
		if s.appSink.Valid() && s.appSink.Serial != serial {
			s.ingestLogger.Warnw("Another node claims the virtual sink name, ignoring it", "id", e.ID, "serial", serial, "current", s.appSink)
			return
		}
		node.MediaClass = MediaClassAppSink
	case AppSourceName:
		if s.appSource.Valid() && s.appSource.Serial != serial {
			s.ingestLogger.Warnw("Another node claims the virtual source name, ignoring it", "id", e.ID, "serial", serial, "current", s.appSource)
			return
		}
		node.MediaClass = MediaClassAppSource
	}

	node.IsBlocklisted = userBlocklisted(bl, node)

	if !s.model.insertNode(node) {
		s.ingestLogger.Warnw("Duplicate node serial, keeping the existing record", "id", e.ID, "serial", serial)
		return
	}

	s.track(e.ID, TypeNode, serial)

	switch node.MediaClass {
	case MediaClassAppSink:
		s.appSink = node
		s.ingestLogger.Infow("Virtual sink available", "id", node.ID, "serial", node.Serial)
	case MediaClassAppSource:
		s.appSource = node
		s.ingestLogger.Infow("Virtual source available", "id", node.ID, "serial", node.Serial)
	}

	if !ownFilter {
		s.ingestLogger.Debugw("Node appeared", "node", node)
	}
}

func (s *Session) onNodeInfo(e NodeInfoChanged) {
	if s.exiting.Load() {
		return
	}

	obj, ok := s.trackedAs(e.ID, TypeNode)
	if !ok {
		return
	}

	node, ok := s.model.nodeBySerial(obj.serial)
	if !ok {
		return
	}

	props := e.Props

	if s.ignoreStream(node, props) {
		return
	}

	node.State = e.State
	node.NInputPorts = e.NInputPorts
	node.NOutputPorts = e.NOutputPorts

	props.Int(keyPrioritySession, &node.Priority)
	props.Text(keyNodeDescription, &node.Description)
	props.Text(keyMediaName, &node.MediaName)
	props.Text(keyAppID, &node.ApplicationID)
	props.Text(keyAppName, &node.AppName)
	props.Text(keyAppProcessID, &node.AppProcessID)
	props.Text(keyAppProcessBinary, &node.AppProcessBinary)
	props.Text(keyAppIconName, &node.AppIconName)
	props.Text(keyMediaIconName, &node.MediaIconName)
	props.Text(keyDeviceIconName, &node.DeviceIconName)
	props.Uint32(keyDeviceID, &node.DeviceID)

	if node.AppProcessBinary == "" && node.AppProcessID != "" {
		if pid, err := strconv.Atoi(node.AppProcessID); err == nil {
			if binary, err := util.ProcessBinary(pid); err == nil {
				node.AppProcessBinary = binary
			}
		}
	}

	if latency, ok := props[keyNodeLatency]; ok {
		if value, rate, ok := parseLatency(latency); ok {
			node.Latency = value
			node.Rate = rate
		}
	}

	node.IsBlocklisted = userBlocklisted(s.config.Blocklists(), node)
	node.Connected = s.streamIsConnectedLocked(node.ID, node.MediaClass)

	s.model.updateNode(node)
	s.refreshRoleSnapshots(node)

	if obj.announced {
		if kind, ok := changedKind(node.MediaClass); ok {
			s.publishNodeEvent(kind, node)
		}

		return
	}

	obj.announced = true

	kind, ok := addedKind(node.MediaClass)
	if !ok {
		return
	}

	s.publishNodeEvent(kind, node)
	s.autoRoute(node)
}

// ignoreStream applies the filters that need the node's info props
func (s *Session) ignoreStream(node Node, props Props) bool {
	if appID, ok := props[keyAppID]; ok && appIDBlocklisted(s.config.Blocklists(), appID) {
		s.ingestLogger.Debugw("Ignoring node with blocklisted application id", "node", node, "appID", appID)
		return true
	}

	routing := s.config.Routing()

	if props.Get(keyStreamCaptureSink) == "true" && routing.ExcludeMonitorStreams {
		s.ingestLogger.Debugw("Ignoring monitor stream", "node", node)
		return true
	}

	target, ok := props[keyTargetObject]
	if !ok {
		return false
	}

	switch node.MediaClass {
	case MediaClassInputStream:
		device := s.selectedDeviceLocked(DirectionIn)
		if device.Name != "" && !targetMatches(target, device, s.appSource) {
			s.ingestLogger.Debugw("Input stream targets another source, ignoring it", "node", node, "target", target)
			return true
		}
	case MediaClassOutputStream:
		device := s.selectedDeviceLocked(DirectionOut)
		if device.Name != "" && !targetMatches(target, device, s.appSink) {
			s.ingestLogger.Debugw("Output stream targets another sink, ignoring it", "node", node, "target", target)
			return true
		}
	}

	return false
}

// targetMatches reports whether a stream's explicit target is either our device or the selected one.
// The target may be a serial or a node name
func targetMatches(target string, device Node, app Node) bool {
	if serial, err := strconv.ParseUint(target, 10, 64); err == nil {
		return serial == InvalidSerial || serial == device.Serial || serial == app.Serial
	}

	return target == device.Name || target == app.Name
}

// parseLatency turns a "quantum/rate" value into seconds. "N/D" and malformed values are rejected
func parseLatency(value string) (float32, int, bool) {
	quantumText, rateText, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}

	quantum, err := strconv.ParseFloat(quantumText, 32)
	if err != nil {
		return 0, 0, false
	}

	rate, err := strconv.Atoi(rateText)
	if err != nil || rate <= 0 {
		return 0, 0, false
	}

	return float32(quantum / float64(rate)), rate, true
}

func (s *Session) refreshRoleSnapshots(node Node) {
	if node.Serial == s.appSink.Serial {
		s.appSink = node
	}

	if node.Serial == s.appSource.Serial {
		s.appSource = node
	}

	if node.Serial == s.outputDevice.Serial {
		s.outputDevice = node
	}

	if node.Serial == s.inputDevice.Serial {
		s.inputDevice = node
	}
}

// autoRoute moves freshly announced streams onto our virtual devices. Requests are fire-and-forget
// because the loop goroutine must never wait for its own acknowledgements
func (s *Session) autoRoute(node Node) {
	if node.IsBlocklisted || node.Connected {
		return
	}

	routing := s.config.Routing()

	var target Node

	switch {
	case node.MediaClass == MediaClassOutputStream && routing.ProcessAllOutputs:
		target = s.appSink
	case node.MediaClass == MediaClassInputStream && routing.ProcessAllInputs:
		target = s.appSource
	default:
		return
	}

	if !target.Valid() || s.metadataID == InvalidID {
		// picked up by the bootstrap once our devices exist
		return
	}

	for _, cmd := range targetCommands(node.ID, target) {
		if _, _, err := s.sendLocked(cmd, false); err != nil {
			s.ingestLogger.Warnw("Failed to route stream", "node", node, "error", err)
			return
		}
	}

	s.ingestLogger.Debugw("Routed stream", "node", node, "target", target)
}

func (s *Session) onNodeParam(e NodeParamChanged) {
	if s.exiting.Load() {
		return
	}

	obj, ok := s.trackedAs(e.ID, TypeNode)
	if !ok {
		return
	}

	node, ok := s.model.nodeBySerial(obj.serial)
	if !ok {
		return
	}

	updated := node

	if e.Format != nil {
		updated.Format = *e.Format
	}

	if e.Rate != nil {
		updated.Rate = *e.Rate
	}

	if e.Mute != nil {
		updated.Mute = *e.Mute
	}

	if e.ChannelVolumes != nil {
		updated.NVolumeChannels = len(e.ChannelVolumes)
		updated.Volume = maxVolume(e.ChannelVolumes)
	}

	if updated == node {
		return
	}

	s.model.updateNode(updated)
	s.refreshRoleSnapshots(updated)

	if obj.announced {
		if kind, ok := changedKind(updated.MediaClass); ok {
			s.publishNodeEvent(kind, updated)
		}
	}
}

// the reported volume of a node is the loudest of its channels
func maxVolume(volumes []float32) float32 {
	var loudest float32

	for _, v := range volumes {
		if v > loudest {
			loudest = v
		}
	}

	return loudest
}

func (s *Session) onLinkAdded(e GlobalAdded) {
	var serial uint64
	if !e.Props.Uint64(keyObjectSerial, &serial) {
		s.ingestLogger.Warnw("Link announced without serial, dropping it", "id", e.ID)
		return
	}

	link := Link{ID: e.ID, Serial: serial, State: LinkStateInit}
	e.Props.Text(keyObjectPath, &link.Path)
	e.Props.Uint32(keyLinkOutputNode, &link.OutputNodeID)
	e.Props.Uint32(keyLinkOutputPort, &link.OutputPortID)
	e.Props.Uint32(keyLinkInputNode, &link.InputNodeID)
	e.Props.Uint32(keyLinkInputPort, &link.InputPortID)
	e.Props.Bool(keyLinkPassive, &link.Passive)

	s.model.addLink(link)
	s.track(e.ID, TypeLink, serial)

	if s.verbose {
		output, errOut := s.model.nodeByID(link.OutputNodeID)
		input, errIn := s.model.nodeByID(link.InputNodeID)

		if errOut == nil && errIn == nil {
			s.ingestLogger.Debugw("Link appeared", "id", link.ID, "output", output.Name, "input", input.Name)
		} else {
			s.ingestLogger.Debugw("Link appeared between untracked nodes", "id", link.ID,
				"outputNode", link.OutputNodeID, "inputNode", link.InputNodeID)
		}
	}
}

func (s *Session) onLinkInfo(e LinkInfoChanged) {
	if s.exiting.Load() {
		return
	}

	obj, ok := s.trackedAs(e.ID, TypeLink)
	if !ok {
		return
	}

	link, ok := s.model.linkBySerial(obj.serial)
	if !ok {
		return
	}

	link.State = e.State

	s.ingestLogger.Debugw("Link state changed", "id", link.ID, "state", link.State)
	s.publishLinkEvent(*link)
}

func (s *Session) onPortAdded(e GlobalAdded) {
	var serial uint64
	if !e.Props.Uint64(keyObjectSerial, &serial) {
		s.ingestLogger.Warnw("Port announced without serial, dropping it", "id", e.ID)
		return
	}

	port := Port{ID: e.ID, Serial: serial}
	e.Props.Uint32(keyPortID, &port.PortID)
	e.Props.Uint32(keyNodeID, &port.NodeID)
	e.Props.Text(keyPortName, &port.Name)
	e.Props.Text(keyAudioChannel, &port.AudioChannel)
	e.Props.Text(keyAudioFormat, &port.FormatDSP)
	e.Props.Bool(keyPortPhysical, &port.Physical)
	e.Props.Bool(keyPortTerminal, &port.Terminal)
	e.Props.Bool(keyPortMonitor, &port.Monitor)
	port.Direction = Direction(e.Props.Get(keyPortDirection))

	s.model.addPort(port)
	s.track(e.ID, TypePort, serial)
}

func (s *Session) onModuleAdded(e GlobalAdded) {
	var serial uint64
	if !e.Props.Uint64(keyObjectSerial, &serial) {
		s.ingestLogger.Warnw("Module announced without serial, dropping it", "id", e.ID)
		return
	}

	module := Module{ID: e.ID, Serial: serial}
	e.Props.Text(keyModuleName, &module.Name)

	s.model.addModule(module)
	s.track(e.ID, TypeModule, serial)
}

func (s *Session) onModuleInfo(e ModuleInfoChanged) {
	if s.exiting.Load() {
		return
	}

	if _, ok := s.trackedAs(e.ID, TypeModule); !ok {
		return
	}

	module, ok := s.model.moduleByID(e.ID)
	if !ok {
		return
	}

	if e.Filename != "" {
		module.Filename = e.Filename
	}
	e.Props.Text(keyModuleDescription, &module.Description)
}

func (s *Session) onClientAdded(e GlobalAdded) {
	var serial uint64
	if !e.Props.Uint64(keyObjectSerial, &serial) {
		s.ingestLogger.Warnw("Client announced without serial, dropping it", "id", e.ID)
		return
	}

	s.model.addClient(Client{ID: e.ID, Serial: serial})
	s.track(e.ID, TypeClient, serial)
}

func (s *Session) onClientInfo(e ClientInfoChanged) {
	if s.exiting.Load() {
		return
	}

	if _, ok := s.trackedAs(e.ID, TypeClient); !ok {
		return
	}

	client, ok := s.model.clientByID(e.ID)
	if !ok {
		return
	}

	e.Props.Text(keyAppName, &client.Name)
	e.Props.Text(keyAccess, &client.Access)
	e.Props.Text(keyClientAPI, &client.API)
}

func (s *Session) onDeviceAdded(e GlobalAdded) {
	if e.Props.Get(keyMediaClass) != MediaClassDevice {
		return
	}

	var serial uint64
	if !e.Props.Uint64(keyObjectSerial, &serial) {
		s.ingestLogger.Warnw("Device announced without serial, dropping it", "id", e.ID)
		return
	}

	s.model.addDevice(Device{ID: e.ID, Serial: serial, MediaClass: MediaClassDevice})
	s.track(e.ID, TypeDevice, serial)
}

func (s *Session) onDeviceInfo(e DeviceInfoChanged) {
	if s.exiting.Load() {
		return
	}

	if _, ok := s.trackedAs(e.ID, TypeDevice); !ok {
		return
	}

	device, ok := s.model.deviceByID(e.ID)
	if !ok {
		return
	}

	e.Props.Text(keyDeviceName, &device.Name)
	e.Props.Text(keyDeviceNick, &device.Nick)
	e.Props.Text(keyDeviceDescription, &device.Description)
	e.Props.Text(keyDeviceAPI, &device.API)

	if busID, ok := e.Props[keyDeviceBusID]; ok {
		device.BusID = normalizeBusValue(busID)
	}

	if busPath, ok := e.Props[keyDeviceBusPath]; ok {
		device.BusPath = normalizeBusValue(busPath)
	}

	// bluetooth devices define neither, their address stands in for the bus path
	if device.API == "bluez5" {
		if address, ok := e.Props[keyBluez5Address]; ok {
			device.BusPath = normalizeBusValue(address)
		}
	}
}

// normalizeBusValue makes bus identifiers usable as file names
func normalizeBusValue(value string) string {
	return strings.NewReplacer(":", "_", "+", "_").Replace(value)
}

func (s *Session) onDeviceRoute(e DeviceRouteChanged) {
	if s.exiting.Load() {
		return
	}

	if _, ok := s.trackedAs(e.ID, TypeDevice); !ok {
		return
	}

	device, ok := s.model.deviceByID(e.ID)
	if !ok {
		return
	}

	changed := false

	switch e.Direction {
	case DirectionIn:
		changed = device.InputRouteName != e.Name || device.InputRouteAvailable != e.Available
		device.InputRouteName = e.Name
		device.InputRouteAvailable = e.Available
	case DirectionOut:
		changed = device.OutputRouteName != e.Name || device.OutputRouteAvailable != e.Available
		device.OutputRouteName = e.Name
		device.OutputRouteAvailable = e.Available
	}

	if changed {
		s.ingestLogger.Debugw("Device route changed", "device", device.Name, "direction", e.Direction, "route", e.Name, "available", e.Available)
		s.publishDeviceRouteEvent(DeviceRouteEvent{Direction: e.Direction, Device: *device})
	}
}

func (s *Session) onMetadataAdded(e GlobalAdded) {
	if e.Props.Get(keyMetadataName) != "default" {
		return
	}

	if s.metadataID != InvalidID {
		s.metadataLogger.Debugw("New default metadata replaces the previous one", "previous", s.metadataID, "id", e.ID)
	}

	s.metadataID = e.ID
	s.track(e.ID, TypeMetadata, InvalidSerial)

	s.metadataLogger.Debugw("Bound default metadata", "id", e.ID)
}

// onGlobalRemoved is idempotent: an id we never tracked, or already dropped, is ignored
func (s *Session) onGlobalRemoved(e GlobalRemoved) {
	if s.exiting.Load() {
		return
	}

	obj, ok := s.tracked[e.ID]
	if !ok {
		return
	}

	delete(s.tracked, e.ID)

	switch obj.typ {
	case TypeNode:
		s.onNodeRemoved(obj)
	case TypeLink:
		s.model.removeLink(obj.serial)
	case TypePort:
		s.model.removePort(obj.serial)
	case TypeModule:
		s.model.removeModule(e.ID)
	case TypeClient:
		s.model.removeClient(e.ID)
	case TypeDevice:
		s.model.removeDevice(e.ID)
	case TypeMetadata:
		if s.metadataID == e.ID {
			s.metadataID = InvalidID
			s.metadataLogger.Debugw("Default metadata removed", "id", e.ID)
		}
	}
}

func (s *Session) onNodeRemoved(obj *trackedObject) {
	node, ok := s.model.removeNode(obj.serial)
	if !ok {
		return
	}

	if node.Serial == s.appSink.Serial {
		s.appSink = invalidNode()
		s.ingestLogger.Warnw("Virtual sink was removed", "node", node)
		go s.notifier.Notify("Virtual sink removed", "Applications routed to it fall back to the default device.")
	}

	if node.Serial == s.appSource.Serial {
		s.appSource = invalidNode()
		s.ingestLogger.Warnw("Virtual source was removed", "node", node)
		go s.notifier.Notify("Virtual source removed", "Applications recording from it fall back to the default device.")
	}

	// the selection survives by name until a device with that name comes back
	if node.Serial == s.outputDevice.Serial {
		s.outputDevice.ID = InvalidID
		s.outputDevice.Serial = InvalidSerial
		s.ingestLogger.Infow("Selected output device is gone", "name", node.Name)
	}

	if node.Serial == s.inputDevice.Serial {
		s.inputDevice.ID = InvalidID
		s.inputDevice.Serial = InvalidSerial
		s.ingestLogger.Infow("Selected input device is gone", "name", node.Name)
	}

	s.ingestLogger.Debugw("Node removed", "node", node)

	if obj.announced {
		if kind, ok := removedKind(node.MediaClass); ok {
			s.publishNodeEvent(kind, node)
		}
	}
}
