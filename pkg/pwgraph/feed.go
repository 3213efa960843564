package pwgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"

	"github.com/stalexteam/pwgraph/pkg/pwgraph/util"
)

// EventFeed publishes the session's notifications as a server-sent events stream,
// so external tools can follow the graph without talking to the server themselves
type EventFeed struct {
	session *Session
	logger  *zap.SugaredLogger
	server  *http.Server

	manager     *eventsource.ConnectionManager
	stopChannel chan bool
	running     int32

	// event counter for the SSE id field
	eventID int64

	nodeEvents    chan NodeEvent
	linkEvents    chan Link
	defaultEvents chan DefaultDeviceEvent
	routeEvents   chan DeviceRouteEvent

	forwardDone chan struct{}
	stopOnce    sync.Once
}

const (
	// SSE retry timeout in milliseconds
	feedRetryTimeout = 30000

	feedPingInterval = 10 * time.Second
)

type feedNode struct {
	Kind       string  `json:"kind,omitempty"`
	ID         uint32  `json:"id"`
	Serial     uint64  `json:"serial"`
	Name       string  `json:"name"`
	MediaClass string  `json:"media_class"`
	AppName    string  `json:"app_name,omitempty"`
	Volume     float32 `json:"volume"`
	Mute       bool    `json:"mute"`
	Connected  bool    `json:"connected"`
	Blocklist  bool    `json:"blocklisted"`
}

type feedLink struct {
	ID         uint32 `json:"id"`
	OutputNode uint32 `json:"output_node"`
	InputNode  uint32 `json:"input_node"`
	State      string `json:"state"`
}

type feedDefault struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type feedRoute struct {
	Device    string `json:"device"`
	Direction string `json:"direction"`
	Route     string `json:"route"`
	Available string `json:"available"`
}

type feedPing struct {
	Server  string `json:"server"`
	Version string `json:"version"`
	Nodes   int    `json:"nodes"`
}

// NewEventFeed subscribes to the session. Nothing is served until Start
func NewEventFeed(session *Session, logger *zap.SugaredLogger) *EventFeed {
	logger = logger.Named("feed")

	manager := eventsource.NewConnectionManager()

	manager.SetOnConnect(func(encoder *eventsource.Encoder) {
		logger.Infow("New feed client connected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	manager.SetOnDisconnect(func(encoder *eventsource.Encoder) {
		logger.Debugw("Feed client disconnected",
			"remote", encoder.RemoteAddr(),
			"path", encoder.Path())
	})

	feed := &EventFeed{
		session:       session,
		logger:        logger,
		manager:       manager,
		stopChannel:   make(chan bool),
		eventID:       1,
		nodeEvents:    session.SubscribeToNodeEvents(),
		linkEvents:    session.SubscribeToLinkEvents(),
		defaultEvents: session.SubscribeToDefaultDeviceEvents(),
		routeEvents:   session.SubscribeToDeviceRouteEvents(),
		forwardDone:   make(chan struct{}),
	}

	logger.Debug("Created event feed instance")

	return feed
}

// Start serves the feed on the given port. A non-positive port disables it
func (f *EventFeed) Start(port int) error {
	if port <= 0 {
		f.logger.Debug("Event feed port not configured, feed will not start")
		return nil
	}

	if !atomic.CompareAndSwapInt32(&f.running, 0, 1) {
		return fmt.Errorf("start event feed: already running")
	}

	handler := eventsource.HandlerV2(func(
		info *eventsource.ConnectionInfo,
		encoder *eventsource.Encoder,
		stop <-chan bool,
	) {
		if err := encoder.SetRetry(feedRetryTimeout); err != nil {
			f.logEncodeError("retry", err)
			return
		}

		if err := encoder.Encode(f.pingEvent()); err != nil {
			f.logEncodeError("ping", err)
			return
		}

		// new clients start from the current model
		for _, node := range f.session.Nodes() {
			event, err := f.newEvent("node", nodePayload("", node))
			if err != nil {
				continue
			}

			if err := encoder.Encode(event); err != nil {
				f.logEncodeError("node", err)
				return
			}
		}

		select {
		case <-stop:
		case <-f.stopChannel:
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", eventsource.HandlerWithManager(f.manager, handler).ServeHTTP)

	addr := fmt.Sprintf(":%d", port)
	f.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		f.logger.Infow("Starting event feed", "addr", addr)
		if err := f.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			f.logger.Errorw("Event feed server error", "error", err)
			atomic.StoreInt32(&f.running, 0)
		}
	}()

	go f.forward()

	return nil
}

// Stop closes every client connection and the HTTP server
func (f *EventFeed) Stop() {
	if atomic.LoadInt32(&f.running) == 0 {
		return
	}

	f.stopOnce.Do(func() {
		f.logger.Debug("Stopping event feed")

		close(f.stopChannel)

		f.manager.CloseAll()
		f.logger.Debugw("Closed all feed connections", "count", f.manager.Count())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := f.server.Shutdown(ctx); err != nil {
			f.logger.Warnw("Error during event feed shutdown", "error", err)
			f.server.Close()
		}

		<-f.forwardDone
		atomic.StoreInt32(&f.running, 0)

		f.logger.Info("Event feed stopped")
	})
}

// forward relays session notifications until the feed stops or the session closes every channel
func (f *EventFeed) forward() {
	defer close(f.forwardDone)

	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	nodes, links, defaults, routes := f.nodeEvents, f.linkEvents, f.defaultEvents, f.routeEvents

	for nodes != nil || links != nil || defaults != nil || routes != nil {
		var (
			typ     string
			payload interface{}
		)

		select {
		case <-f.stopChannel:
			return
		case <-ticker.C:
			f.broadcast(f.pingEvent())
			continue
		case ev, ok := <-nodes:
			if !ok {
				nodes = nil
				continue
			}
			typ, payload = "node", nodePayload(ev.Kind.String(), ev.Node)
		case link, ok := <-links:
			if !ok {
				links = nil
				continue
			}
			typ, payload = "link", feedLink{ID: link.ID, OutputNode: link.OutputNodeID, InputNode: link.InputNodeID, State: link.State.String()}
		case ev, ok := <-defaults:
			if !ok {
				defaults = nil
				continue
			}
			typ, payload = "default", feedDefault{Kind: ev.Kind.String(), Name: ev.Name}
		case ev, ok := <-routes:
			if !ok {
				routes = nil
				continue
			}
			typ, payload = "route", feedRoute{Device: ev.Device.Name, Direction: string(ev.Direction), Route: routeName(ev), Available: routeAvailability(ev).String()}
		}

		event, err := f.newEvent(typ, payload)
		if err != nil {
			f.logger.Warnw("Failed to marshal feed event", "type", typ, "error", err)
			continue
		}

		f.broadcast(event)
	}

	f.logger.Debug("Session closed its channels, feed stops forwarding")
}

func (f *EventFeed) broadcast(event eventsource.Event) {
	if atomic.LoadInt32(&f.running) == 0 {
		return
	}

	if err := f.manager.Broadcast(event); err != nil {
		if eventsource.IsConnectionError(err) {
			f.logger.Debugw("Some connections failed during broadcast", "error", err)
		}
	}
}

func (f *EventFeed) newEvent(typ string, payload interface{}) (eventsource.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return eventsource.Event{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	return eventsource.Event{
		ID:   strconv.FormatInt(atomic.AddInt64(&f.eventID, 1), 10),
		Type: typ,
		Data: data,
	}, nil
}

func (f *EventFeed) pingEvent() eventsource.Event {
	info := f.session.ServerInfo()

	event, err := f.newEvent("ping", feedPing{Server: info.Name, Version: info.Version, Nodes: len(f.session.Nodes())})
	if err != nil {
		return eventsource.Event{Type: "ping"}
	}

	return event
}

func (f *EventFeed) logEncodeError(what string, err error) {
	if eventsource.IsConnectionError(err) {
		f.logger.Debugw("Error sending event, connection closed", "event", what, "error", err)
	} else {
		f.logger.Debugw("Error sending event", "event", what, "error", err)
	}
}

func nodePayload(kind string, node Node) feedNode {
	return feedNode{
		Kind:       kind,
		ID:         node.ID,
		Serial:     node.Serial,
		Name:       node.Name,
		MediaClass: node.MediaClass,
		AppName:    node.AppName,
		Volume:     util.NormalizeScalar(node.Volume),
		Mute:       node.Mute,
		Connected:  node.Connected,
		Blocklist:  node.IsBlocklisted,
	}
}

func routeName(ev DeviceRouteEvent) string {
	if ev.Direction == DirectionIn {
		return ev.Device.InputRouteName
	}
	return ev.Device.OutputRouteName
}

func routeAvailability(ev DeviceRouteEvent) Availability {
	if ev.Direction == DirectionIn {
		return ev.Device.InputRouteAvailable
	}
	return ev.Device.OutputRouteAvailable
}
