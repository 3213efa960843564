package chain

import (
	"fmt"
	"strings"

	"github.com/stalexteam/pwgraph/pkg/pwgraph"
)

// filters with this in their name tap the output device through its probe ports
const probeFilterMarker = "echo_canceller"

// Filter is one processing node of the chain. The chain never looks inside it
type Filter interface {
	Name() string
	NodeID() uint32
	Connected() bool
	ConnectToGraph() error
	DisconnectFromGraph()
}

// ProbeFilter is a filter that also listens to what the output device plays
type ProbeFilter interface {
	Filter
	NeedsProbe() bool
}

// NodeFilter is a filter backed by an existing graph node, found by name
type NodeFilter struct {
	graph  Graph
	name   string
	nodeID uint32
}

// NewNodeFilter creates a filter for the node with the given name
func NewNodeFilter(graph Graph, name string) *NodeFilter {
	return &NodeFilter{graph: graph, name: name, nodeID: pwgraph.InvalidID}
}

// NodeFiltersFromNames creates one filter per name, in order
func NodeFiltersFromNames(graph Graph, names []string) []Filter {
	filters := make([]Filter, 0, len(names))
	for _, name := range names {
		filters = append(filters, NewNodeFilter(graph, name))
	}
	return filters
}

func (f *NodeFilter) Name() string {
	return f.name
}

func (f *NodeFilter) NodeID() uint32 {
	return f.nodeID
}

func (f *NodeFilter) Connected() bool {
	return f.nodeID != pwgraph.InvalidID
}

// ConnectToGraph resolves the node. It fails while the node isn't in the graph
func (f *NodeFilter) ConnectToGraph() error {
	node, err := f.graph.NodeByName(f.name)
	if err != nil {
		return fmt.Errorf("connect filter %s: %w", f.name, err)
	}

	f.nodeID = node.ID

	return nil
}

func (f *NodeFilter) DisconnectFromGraph() {
	f.nodeID = pwgraph.InvalidID
}

func (f *NodeFilter) NeedsProbe() bool {
	return strings.Contains(f.name, probeFilterMarker)
}

func containsFilter(filters []Filter, filter Filter) bool {
	for _, f := range filters {
		if f == filter {
			return true
		}
	}

	return false
}
