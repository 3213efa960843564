package pwgraph

// Nodes returns copies of every tracked node, ordered by serial
func (s *Session) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.nodeList()
}

// NodeByID returns the tracked node with the given id
func (s *Session) NodeByID(id uint32) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.nodeByID(id)
}

// NodeBySerial returns the tracked node with the given serial
func (s *Session) NodeBySerial(serial uint64) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.nodeBySerial(serial)
}

// NodeByName returns the first tracked node with the given name
func (s *Session) NodeByName(name string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.nodeByName(name)
}

func (s *Session) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOf(s.model.links)
}

func (s *Session) Ports() []Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOf(s.model.ports)
}

func (s *Session) Modules() []Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOf(s.model.modules)
}

func (s *Session) Clients() []Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOf(s.model.clients)
}

func (s *Session) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOf(s.model.devices)
}

// CountNodePorts returns how many ports of the node are currently tracked
func (s *Session) CountNodePorts(nodeID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.countNodePorts(nodeID)
}

// AppSinkNode returns the cached record of our virtual sink
func (s *Session) AppSinkNode() Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appSink
}

// AppSourceNode returns the cached record of our virtual source
func (s *Session) AppSourceNode() Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appSource
}

// OutputDevice returns the currently selected output device. Its id is invalid while the device is absent
func (s *Session) OutputDevice() Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedDeviceLocked(DirectionOut)
}

// InputDevice returns the currently selected input device. Its id is invalid while the device is absent
func (s *Session) InputDevice() Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedDeviceLocked(DirectionIn)
}

func (s *Session) DefaultOutputDeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultOutputName
}

func (s *Session) DefaultInputDeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultInputName
}

func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// selectedDeviceLocked resolves the configured device name against the cache, refreshing it when
// the selection changed. Must be called with the loop lock held
func (s *Session) selectedDeviceLocked(direction Direction) Node {
	routing := s.config.Routing()

	cache, name, class := &s.outputDevice, routing.OutputDevice, MediaClassSink
	if direction == DirectionIn {
		cache, name, class = &s.inputDevice, routing.InputDevice, MediaClassSource
	}

	if cache.Name == name && (cache.Valid() || name == "") {
		return *cache
	}

	resolved := invalidNode()
	resolved.Name = name

	for _, node := range s.model.nodeList() {
		if node.Name == name && node.MediaClass == class {
			resolved = node
			break
		}
	}

	*cache = resolved

	return resolved
}
