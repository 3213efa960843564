package pwgraph

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNodeNotFound is returned when a node lookup misses, usually because it was already removed
var ErrNodeNotFound = errors.New("no such node")

// objectModel is the local mirror of the server graph.
// It is not safe for concurrent use: the session guards it with its loop lock
type objectModel struct {
	nodes   map[uint64]Node
	links   []Link
	ports   []Port
	modules []Module
	clients []Client
	devices []Device
}

func newObjectModel() *objectModel {
	return &objectModel{
		nodes: make(map[uint64]Node),
	}
}

// insertNode adds a node keyed by serial. An existing serial is never overwritten
func (m *objectModel) insertNode(node Node) bool {
	if _, ok := m.nodes[node.Serial]; ok {
		return false
	}

	m.nodes[node.Serial] = node
	return true
}

func (m *objectModel) updateNode(node Node) bool {
	if _, ok := m.nodes[node.Serial]; !ok {
		return false
	}

	m.nodes[node.Serial] = node
	return true
}

func (m *objectModel) nodeBySerial(serial uint64) (Node, bool) {
	node, ok := m.nodes[serial]
	return node, ok
}

func (m *objectModel) hasSerial(serial uint64) bool {
	_, ok := m.nodes[serial]
	return ok
}

func (m *objectModel) removeNode(serial uint64) (Node, bool) {
	node, ok := m.nodes[serial]
	if ok {
		delete(m.nodes, serial)
	}

	return node, ok
}

func (m *objectModel) nodeByID(id uint32) (Node, error) {
	for _, node := range m.nodes {
		if node.ID == id {
			return node, nil
		}
	}

	return Node{}, fmt.Errorf("node with id %d: %w", id, ErrNodeNotFound)
}

func (m *objectModel) nodeByName(name string) (Node, error) {
	for _, node := range m.nodes {
		if node.Name == name {
			return node, nil
		}
	}

	return Node{}, fmt.Errorf("node named %q: %w", name, ErrNodeNotFound)
}

// nodeList returns copies ordered by serial
func (m *objectModel) nodeList() []Node {
	list := make([]Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		list = append(list, node)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Serial < list[j].Serial })

	return list
}

func (m *objectModel) addLink(link Link) {
	m.links = append(m.links, link)
}

func (m *objectModel) linkBySerial(serial uint64) (*Link, bool) {
	for i := range m.links {
		if m.links[i].Serial == serial {
			return &m.links[i], true
		}
	}

	return nil, false
}

func (m *objectModel) removeLink(serial uint64) {
	m.links = removeWhere(m.links, func(l Link) bool { return l.Serial == serial })
}

func (m *objectModel) addPort(port Port) {
	m.ports = append(m.ports, port)
}

func (m *objectModel) removePort(serial uint64) {
	m.ports = removeWhere(m.ports, func(p Port) bool { return p.Serial == serial })
}

func (m *objectModel) countNodePorts(nodeID uint32) int {
	count := 0

	for _, port := range m.ports {
		if port.NodeID == nodeID {
			count++
		}
	}

	return count
}

func (m *objectModel) addModule(module Module) {
	m.modules = append(m.modules, module)
}

func (m *objectModel) moduleByID(id uint32) (*Module, bool) {
	for i := range m.modules {
		if m.modules[i].ID == id {
			return &m.modules[i], true
		}
	}

	return nil, false
}

func (m *objectModel) removeModule(id uint32) {
	m.modules = removeWhere(m.modules, func(md Module) bool { return md.ID == id })
}

func (m *objectModel) addClient(client Client) {
	m.clients = append(m.clients, client)
}

func (m *objectModel) clientByID(id uint32) (*Client, bool) {
	for i := range m.clients {
		if m.clients[i].ID == id {
			return &m.clients[i], true
		}
	}

	return nil, false
}

func (m *objectModel) removeClient(id uint32) {
	m.clients = removeWhere(m.clients, func(c Client) bool { return c.ID == id })
}

func (m *objectModel) addDevice(device Device) {
	m.devices = append(m.devices, device)
}

func (m *objectModel) deviceByID(id uint32) (*Device, bool) {
	for i := range m.devices {
		if m.devices[i].ID == id {
			return &m.devices[i], true
		}
	}

	return nil, false
}

func (m *objectModel) removeDevice(id uint32) {
	m.devices = removeWhere(m.devices, func(d Device) bool { return d.ID == id })
}

func (m *objectModel) String() string {
	return fmt.Sprintf("<%d nodes, %d links, %d ports, %d devices, %d modules, %d clients>",
		len(m.nodes), len(m.links), len(m.ports), len(m.devices), len(m.modules), len(m.clients))
}

func removeWhere[T any](list []T, match func(T) bool) []T {
	kept := list[:0]

	for _, item := range list {
		if !match(item) {
			kept = append(kept, item)
		}
	}

	// drop references held past the new length
	var zero T
	for i := len(kept); i < len(list); i++ {
		list[i] = zero
	}

	return kept
}

// copyOf returns an independent copy so callers never see later mutations
func copyOf[T any](list []T) []T {
	out := make([]T, len(list))
	copy(out, list)
	return out
}
