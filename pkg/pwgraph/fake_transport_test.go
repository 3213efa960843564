package pwgraph

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport records every command and answers through a scripted server, in order
type fakeTransport struct {
	mu       sync.Mutex
	commands []Command
	script   func(req Request) []Event

	events   chan Event
	requests chan Request
	done     chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

func newFakeTransport(script func(req Request) []Event) *fakeTransport {
	return &fakeTransport{
		script:   script,
		events:   make(chan Event),
		requests: make(chan Request, 1024),
		done:     make(chan struct{}),
	}
}

func (f *fakeTransport) Start() error {
	f.startOnce.Do(func() {
		f.wg.Add(1)
		go f.serve()
	})

	return nil
}

func (f *fakeTransport) Events() <-chan Event {
	return f.events
}

func (f *fakeTransport) Send(req Request) error {
	select {
	case <-f.done:
		return ErrTransport
	default:
	}

	f.mu.Lock()
	f.commands = append(f.commands, req.Command)
	f.mu.Unlock()

	f.requests <- req

	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.wg.Wait()
		close(f.events)
	})

	return nil
}

func (f *fakeTransport) serve() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return
		case req := <-f.requests:
			var events []Event
			if f.script != nil {
				events = f.script(req)
			}

			for _, ev := range append(events, Done{Seq: req.Seq}) {
				if !f.push(ev) {
					return
				}
			}
		}
	}
}

// push delivers a server initiated event
func (f *fakeTransport) push(ev Event) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.done:
		return false
	}
}

func (f *fakeTransport) sent() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyOf(f.commands)
}

func (f *fakeTransport) count(match func(Command) bool) int {
	n := 0
	for _, cmd := range f.sent() {
		if match(cmd) {
			n++
		}
	}
	return n
}

func isCreateLink(cmd Command) bool {
	_, ok := cmd.(CreateLink)
	return ok
}

func isCreateNode(cmd Command) bool {
	_, ok := cmd.(CreateNode)
	return ok
}

func isDestroyLink(cmd Command) bool {
	_, ok := cmd.(DestroyLink)
	return ok
}

// fakeServer scripts the graph server's reaction to commands
type fakeServer struct {
	mu         sync.Mutex
	nextID     uint32
	nextSerial uint64
	links      map[[2]uint32]uint32
}

func newFakeServer() *fakeServer {
	return &fakeServer{nextID: 1000, nextSerial: 5000, links: map[[2]uint32]uint32{}}
}

func (srv *fakeServer) allocate() (uint32, uint64) {
	srv.nextID++
	srv.nextSerial++
	return srv.nextID, srv.nextSerial
}

func (srv *fakeServer) handle(req Request) []Event {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	switch c := req.Command.(type) {
	case CreateNode:
		id, serial := srv.allocate()

		props := Props{keyObjectSerial: strconv.FormatUint(serial, 10)}
		for k, v := range c.Props {
			props[k] = v
		}

		return []Event{
			GlobalAdded{ID: id, Type: TypeNode, Props: props},
			NodeInfoChanged{ID: id, State: NodeStateSuspended, Props: props},
		}
	case CreateLink:
		id, serial := srv.allocate()
		srv.links[[2]uint32{c.OutputPort, c.InputPort}] = id

		return []Event{
			linkGlobal(id, serial, c.OutputNode, c.OutputPort, c.InputNode, c.InputPort),
			LinkInfoChanged{ID: id, State: LinkStateActive},
		}
	case DestroyLink:
		key := [2]uint32{c.OutputPort, c.InputPort}
		if id, ok := srv.links[key]; ok {
			delete(srv.links, key)
			return []Event{GlobalRemoved{ID: id}}
		}
	case DestroyObject:
		return []Event{GlobalRemoved{ID: c.ID}}
	}

	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, title)
}

func newTestConfig(t *testing.T, yaml string) *CanonicalConfig {
	t.Helper()

	config, err := NewConfig(zap.NewNop().Sugar(), &fakeNotifier{})
	require.NoError(t, err)

	if yaml != "" {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

		config.SetPath(path)
		require.NoError(t, config.Load())
	}

	config.ProbePulseDefaults = false

	return config
}

func newTestSession(t *testing.T, yaml string, script func(req Request) []Event) (*Session, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport(script)

	session, err := NewSession(zap.NewNop().Sugar(), newTestConfig(t, yaml), &fakeNotifier{}, transport, true)
	require.NoError(t, err)

	// handlers are live even without Connect, for tests applying events directly
	session.listening = true

	t.Cleanup(func() {
		session.Shutdown()
	})

	return session, transport
}

// apply runs events through the loop's dispatch synchronously
func apply(s *Session, events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		s.dispatch(ev)
	}
}

func nodeGlobal(id uint32, serial uint64, name string, mediaClass string) GlobalAdded {
	return GlobalAdded{ID: id, Type: TypeNode, Props: Props{
		keyObjectSerial: strconv.FormatUint(serial, 10),
		keyNodeName:     name,
		keyMediaClass:   mediaClass,
	}}
}

func portGlobal(id uint32, serial uint64, nodeID uint32, direction Direction, channel string, index uint32) GlobalAdded {
	props := Props{
		keyObjectSerial:  strconv.FormatUint(serial, 10),
		keyNodeID:        strconv.FormatUint(uint64(nodeID), 10),
		keyPortID:        strconv.FormatUint(uint64(index), 10),
		keyPortDirection: string(direction),
	}

	if channel != "" {
		props[keyAudioChannel] = channel
	}

	return GlobalAdded{ID: id, Type: TypePort, Props: props}
}

func linkGlobal(id uint32, serial uint64, outputNode uint32, outputPort uint32, inputNode uint32, inputPort uint32) GlobalAdded {
	return GlobalAdded{ID: id, Type: TypeLink, Props: Props{
		keyObjectSerial:   strconv.FormatUint(serial, 10),
		keyLinkOutputNode: strconv.FormatUint(uint64(outputNode), 10),
		keyLinkOutputPort: strconv.FormatUint(uint64(outputPort), 10),
		keyLinkInputNode:  strconv.FormatUint(uint64(inputNode), 10),
		keyLinkInputPort:  strconv.FormatUint(uint64(inputPort), 10),
	}}
}

func metadataGlobal(id uint32) GlobalAdded {
	return GlobalAdded{ID: id, Type: TypeMetadata, Props: Props{keyMetadataName: "default"}}
}
