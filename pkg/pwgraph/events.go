package pwgraph

// NodeEventKind tells subscribers what happened to a node
type NodeEventKind int

const (
	SinkAdded NodeEventKind = iota
	SinkChanged
	SinkRemoved
	SourceAdded
	SourceChanged
	SourceRemoved
	StreamOutputAdded
	StreamOutputChanged
	StreamOutputRemoved
	StreamInputAdded
	StreamInputChanged
	StreamInputRemoved
)

var nodeEventKindNames = map[NodeEventKind]string{
	SinkAdded:           "sink added",
	SinkChanged:         "sink changed",
	SinkRemoved:         "sink removed",
	SourceAdded:         "source added",
	SourceChanged:       "source changed",
	SourceRemoved:       "source removed",
	StreamOutputAdded:   "stream output added",
	StreamOutputChanged: "stream output changed",
	StreamOutputRemoved: "stream output removed",
	StreamInputAdded:    "stream input added",
	StreamInputChanged:  "stream input changed",
	StreamInputRemoved:  "stream input removed",
}

func (k NodeEventKind) String() string {
	if name, ok := nodeEventKindNames[k]; ok {
		return name
	}

	return "unknown"
}

// NodeEvent is a node lifecycle notification carrying the node snapshot at the time
type NodeEvent struct {
	Kind NodeEventKind
	Node Node
}

// DefaultDeviceKind tells which default changed
type DefaultDeviceKind int

const (
	DefaultSinkChanged DefaultDeviceKind = iota
	DefaultSourceChanged
)

func (k DefaultDeviceKind) String() string {
	if k == DefaultSourceChanged {
		return "default source changed"
	}

	return "default sink changed"
}

// DefaultDeviceEvent announces the name of the new default sink or source
type DefaultDeviceEvent struct {
	Kind DefaultDeviceKind
	Name string
}

// DeviceRouteEvent announces a route change of an audio device
type DeviceRouteEvent struct {
	Direction Direction
	Device    Device
}

// SubscribeToNodeEvents returns a channel receiving node lifecycle notifications.
// Slow consumers miss events rather than stall the session
func (s *Session) SubscribeToNodeEvents() chan NodeEvent {
	c := make(chan NodeEvent, consumerBufferSize)

	s.consumersMutex.Lock()
	s.nodeConsumers = append(s.nodeConsumers, c)
	s.consumersMutex.Unlock()

	return c
}

// SubscribeToLinkEvents returns a channel receiving link snapshots whenever a link's state changes
func (s *Session) SubscribeToLinkEvents() chan Link {
	c := make(chan Link, consumerBufferSize)

	s.consumersMutex.Lock()
	s.linkConsumers = append(s.linkConsumers, c)
	s.consumersMutex.Unlock()

	return c
}

// SubscribeToDefaultDeviceEvents returns a channel receiving default sink and source changes
func (s *Session) SubscribeToDefaultDeviceEvents() chan DefaultDeviceEvent {
	c := make(chan DefaultDeviceEvent, consumerBufferSize)

	s.consumersMutex.Lock()
	s.defaultConsumers = append(s.defaultConsumers, c)
	s.consumersMutex.Unlock()

	return c
}

// SubscribeToDeviceRouteEvents returns a channel receiving device route changes
func (s *Session) SubscribeToDeviceRouteEvents() chan DeviceRouteEvent {
	c := make(chan DeviceRouteEvent, consumerBufferSize)

	s.consumersMutex.Lock()
	s.routeConsumers = append(s.routeConsumers, c)
	s.consumersMutex.Unlock()

	return c
}

func (s *Session) publishNodeEvent(kind NodeEventKind, node Node) {
	if s.verbose {
		s.logger.Debugw("Node event", "kind", kind, "node", node)
	}

	s.consumersMutex.RLock()
	defer s.consumersMutex.RUnlock()

	for _, consumer := range s.nodeConsumers {
		select {
		case consumer <- NodeEvent{Kind: kind, Node: node}:
		default:
			s.logger.Warnw("Node event consumer is full, dropping event", "kind", kind)
		}
	}
}

func (s *Session) publishLinkEvent(link Link) {
	s.consumersMutex.RLock()
	defer s.consumersMutex.RUnlock()

	for _, consumer := range s.linkConsumers {
		select {
		case consumer <- link:
		default:
			s.logger.Warnw("Link event consumer is full, dropping event", "link", link.ID)
		}
	}
}

func (s *Session) publishDefaultDeviceEvent(event DefaultDeviceEvent) {
	s.consumersMutex.RLock()
	defer s.consumersMutex.RUnlock()

	for _, consumer := range s.defaultConsumers {
		select {
		case consumer <- event:
		default:
			s.logger.Warnw("Default device consumer is full, dropping event", "kind", event.Kind)
		}
	}
}

func (s *Session) publishDeviceRouteEvent(event DeviceRouteEvent) {
	s.consumersMutex.RLock()
	defer s.consumersMutex.RUnlock()

	for _, consumer := range s.routeConsumers {
		select {
		case consumer <- event:
		default:
			s.logger.Warnw("Device route consumer is full, dropping event", "device", event.Device.ID)
		}
	}
}

func (s *Session) closeEventChannels() {
	s.consumersMutex.Lock()
	defer s.consumersMutex.Unlock()

	for _, c := range s.nodeConsumers {
		close(c)
	}
	for _, c := range s.linkConsumers {
		close(c)
	}
	for _, c := range s.defaultConsumers {
		close(c)
	}
	for _, c := range s.routeConsumers {
		close(c)
	}

	s.nodeConsumers = nil
	s.linkConsumers = nil
	s.defaultConsumers = nil
	s.routeConsumers = nil
}

func addedKind(mediaClass string) (NodeEventKind, bool) {
	switch mediaClass {
	case MediaClassSink:
		return SinkAdded, true
	case MediaClassSource, MediaClassVirtualSource:
		return SourceAdded, true
	case MediaClassOutputStream:
		return StreamOutputAdded, true
	case MediaClassInputStream:
		return StreamInputAdded, true
	}

	return 0, false
}

func changedKind(mediaClass string) (NodeEventKind, bool) {
	kind, ok := addedKind(mediaClass)
	return kind + 1, ok
}

func removedKind(mediaClass string) (NodeEventKind, bool) {
	kind, ok := addedKind(mediaClass)
	return kind + 2, ok
}
