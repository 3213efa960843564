// Package chain links a series of filter nodes between the virtual sink and the selected
// output device, and keeps that pipeline in step with the graph
package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/pwgraph/pkg/pwgraph"
)

var (
	// ErrNoOutputDevice is returned when no output device is selected or it isn't in the graph
	ErrNoOutputDevice = errors.New("no output device available")

	// ErrPortsUnavailable is returned when the output device's ports don't show up in time
	ErrPortsUnavailable = errors.New("output device ports unavailable")
)

// a stereo hop between two nodes is two links
const stereoLinks = 2

const (
	defaultPortWaitTimeout  = 5 * time.Second
	defaultPortPollInterval = time.Millisecond
)

// Graph is what the chain needs from the session
type Graph interface {
	LinkNodes(outputNodeID uint32, inputNodeID uint32, probe bool, passive bool) []*pwgraph.LinkHandle
	DestroyLinks(handles []*pwgraph.LinkHandle)
	DestroyObject(id uint32) error
	CountNodePorts(nodeID uint32) int
	NodeByName(name string) (pwgraph.Node, error)
	AppSinkNode() pwgraph.Node
	Links() []pwgraph.Link
	DefaultOutputDeviceName() string
}

// Settings is the part of the configuration the chain follows
type Settings interface {
	Routing() pwgraph.Routing
	Timing() pwgraph.Timing
	SetOutputDevice(name string)
}

// OutputChain owns the links of the output pipeline: virtual sink -> filters -> output device
type OutputChain struct {
	graph    Graph
	settings Settings
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	filters []Filter
	handles []*pwgraph.LinkHandle
	bypass  bool
	timer   *time.Timer

	portWaitTimeout  time.Duration
	portPollInterval time.Duration

	stopChannel chan struct{}
	stopOnce    sync.Once
}

// NewOutputChain creates an unlinked chain over the given filters
func NewOutputChain(graph Graph, settings Settings, logger *zap.SugaredLogger, filters []Filter) *OutputChain {
	logger = logger.Named("chain")

	c := &OutputChain{
		graph:            graph,
		settings:         settings,
		logger:           logger,
		filters:          filters,
		portWaitTimeout:  defaultPortWaitTimeout,
		portPollInterval: defaultPortPollInterval,
		stopChannel:      make(chan struct{}),
	}

	logger.Debugw("Created output chain", "filters", len(filters))

	return c
}

// Connect links the pipeline. Links already held are kept, call Disconnect first to relink
func (c *OutputChain) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

// Disconnect releases every link of the pipeline
func (c *OutputChain) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

// Linked reports whether the chain currently holds links
func (c *OutputChain) Linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles) > 0
}

// SetBypass relinks the chain with (false) or without (true) its filters
func (c *OutputChain) SetBypass(bypass bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bypass = bypass
	c.disconnectLocked()

	return c.connectLocked()
}

// SetFilters replaces the filters and relinks. Filters no longer in use are disconnected
func (c *OutputChain) SetFilters(filters []Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnectLocked()

	for _, old := range c.filters {
		if !containsFilter(filters, old) && old.Connected() {
			c.logger.Debugw("Disconnecting unused filter", "filter", old.Name())
			old.DisconnectFromGraph()
		}
	}

	c.filters = filters

	return c.connectLocked()
}

func (c *OutputChain) connectLocked() error {
	name := c.settings.Routing().OutputDevice
	if name == "" {
		c.logger.Debug("No output device set, not linking")
		return ErrNoOutputDevice
	}

	device, err := c.graph.NodeByName(name)
	if err != nil || !device.Valid() {
		c.logger.Debugw("Output device is not available, not linking", "device", name)
		return fmt.Errorf("link output chain to %s: %w", name, ErrNoOutputDevice)
	}

	if err := c.waitForPorts(device); err != nil {
		c.logger.Warnw("Output device ports are taking too long to be available, not linking", "device", device)
		return err
	}

	next := device.ID

	if !c.bypass {
		// filters are linked back to front, each one feeding the previous hop
		for i := len(c.filters) - 1; i >= 0; i-- {
			filter := c.filters[i]

			if !filter.Connected() {
				if err := filter.ConnectToGraph(); err != nil {
					c.logger.Warnw("Failed to connect filter, skipping it", "filter", filter.Name(), "error", err)
					continue
				}
			}

			prev := filter.NodeID()
			links := c.graph.LinkNodes(prev, next, false, false)
			c.handles = append(c.handles, links...)

			if len(links) == stereoLinks {
				next = prev
			} else {
				c.logger.Warnw("Link between nodes failed", "output", prev, "input", next)
			}
		}

		for _, filter := range c.filters {
			probe, ok := filter.(ProbeFilter)
			if !ok || !probe.NeedsProbe() || !filter.Connected() {
				continue
			}

			c.handles = append(c.handles, c.graph.LinkNodes(device.ID, filter.NodeID(), true, false)...)
		}
	}

	sink := c.graph.AppSinkNode()
	if !sink.Valid() {
		return fmt.Errorf("link output chain: virtual sink: %w", pwgraph.ErrNodeNotFound)
	}

	links := c.graph.LinkNodes(sink.ID, next, false, false)
	c.handles = append(c.handles, links...)

	if len(links) < stereoLinks {
		c.logger.Warnw("Link from virtual sink failed", "sink", sink.ID, "input", next)
	}

	c.logger.Infow("Linked output chain", "device", device.Name, "links", len(c.handles), "bypass", c.bypass)

	return nil
}

func (c *OutputChain) waitForPorts(device pwgraph.Node) error {
	deadline := time.Now().Add(c.portWaitTimeout)

	for c.graph.CountNodePorts(device.ID) < stereoLinks {
		if time.Now().After(deadline) {
			return fmt.Errorf("ports of %s: %w", device, ErrPortsUnavailable)
		}

		<-time.After(c.portPollInterval)
	}

	return nil
}

func (c *OutputChain) disconnectLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	// links the server made to our filters are ours to remove too
	stray := map[uint32]bool{}

	for _, link := range c.graph.Links() {
		if ownedByHandle(c.handles, link) {
			continue
		}

		for _, filter := range c.filters {
			if !filter.Connected() {
				continue
			}

			if link.InputNodeID == filter.NodeID() || link.OutputNodeID == filter.NodeID() {
				stray[link.ID] = true
			}
		}
	}

	for id := range stray {
		if err := c.graph.DestroyObject(id); err != nil {
			c.logger.Debugw("Failed to destroy stray link", "id", id, "error", err)
		}
	}

	c.graph.DestroyLinks(c.handles)
	c.handles = nil
}

func ownedByHandle(handles []*pwgraph.LinkHandle, link pwgraph.Link) bool {
	for _, handle := range handles {
		if handle != nil && handle.OutputPort == link.OutputPortID && handle.InputPort == link.InputPortID {
			return true
		}
	}

	return false
}

// appsWantToPlay reports whether any active link feeds the virtual sink
func (c *OutputChain) appsWantToPlay(sink pwgraph.Node) bool {
	for _, link := range c.graph.Links() {
		if link.InputNodeID == sink.ID && link.State == pwgraph.LinkStateActive {
			return true
		}
	}

	return false
}

// OnLinkChanged links the chain when an application starts playing into the virtual sink and
// schedules unlinking once none is playing anymore
func (c *OutputChain) OnLinkChanged(link pwgraph.Link) {
	if link.State != pwgraph.LinkStateActive {
		return
	}

	sink := c.graph.AppSinkNode()
	if !sink.Valid() || c.graph.DefaultOutputDeviceName() == sink.Name {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bypass {
		return
	}

	if c.appsWantToPlay(sink) {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}

		if len(c.handles) == 0 {
			c.logger.Debug("An application linked to the virtual sink wants to play, linking the chain")

			if err := c.connectLocked(); err != nil {
				c.logger.Debugw("Failed to link the chain", "error", err)
			}
		}

		return
	}

	timeout := c.settings.Timing().InactivityTimeout
	if timeout <= 0 {
		if len(c.handles) > 0 {
			c.logger.Debug("No application wants to play, but the inactivity timer is disabled. Leaving the chain linked")
		}
		return
	}

	if c.timer != nil {
		c.timer.Stop()
	}

	c.timer = time.AfterFunc(timeout, c.onInactivity)
}

func (c *OutputChain) onInactivity() {
	sink := c.graph.AppSinkNode()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.timer = nil

	if !c.appsWantToPlay(sink) && len(c.handles) > 0 {
		c.logger.Debug("No application linked to the virtual sink wants to play, unlinking the chain")
		c.disconnectLocked()
	}
}

// OnDefaultDeviceChanged follows the default sink when configured to
func (c *OutputChain) OnDefaultDeviceChanged(event pwgraph.DefaultDeviceEvent) {
	if event.Kind != pwgraph.DefaultSinkChanged {
		return
	}

	routing := c.settings.Routing()
	if !routing.UseDefaultOutputDevice || routing.OutputDevice == event.Name {
		return
	}

	c.logger.Infow("Following new default output device", "device", event.Name)
	c.settings.SetOutputDevice(event.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnectLocked()

	if err := c.connectLocked(); err != nil {
		c.logger.Warnw("Failed to relink the chain to the new default device", "device", event.Name, "error", err)
	}
}

// Run consumes session notifications until both channels close or Stop is called
func (c *OutputChain) Run(links <-chan pwgraph.Link, defaults <-chan pwgraph.DefaultDeviceEvent) {
	for links != nil || defaults != nil {
		select {
		case <-c.stopChannel:
			return
		case link, ok := <-links:
			if !ok {
				links = nil
				continue
			}
			c.OnLinkChanged(link)
		case event, ok := <-defaults:
			if !ok {
				defaults = nil
				continue
			}
			c.OnDefaultDeviceChanged(event)
		}
	}
}

// Stop ends Run and releases the pipeline
func (c *OutputChain) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChannel)

		c.mu.Lock()
		defer c.mu.Unlock()

		c.disconnectLocked()

		for _, filter := range c.filters {
			if filter.Connected() {
				filter.DisconnectFromGraph()
			}
		}

		c.logger.Debug("Output chain stopped")
	})
}
