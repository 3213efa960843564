// Package pwgraph provides a session manager for a multimedia graph server. It mirrors the
// server's object graph locally, keeps two permanent virtual devices alive and links or
// unlinks chains of nodes on request
package pwgraph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/pwgraph/pkg/pwgraph/util"
)

var (
	// ErrConnect wraps every startup failure. None of them are recoverable
	ErrConnect = errors.New("connect to graph server")

	// ErrSyncTimeout is returned when the server doesn't acknowledge a request in time
	ErrSyncTimeout = errors.New("timed out waiting for server acknowledgement")

	// ErrExiting is returned for requests issued after shutdown started
	ErrExiting = errors.New("session is shutting down")

	// ErrNoMetadata is returned when the server hasn't announced its default metadata object
	ErrNoMetadata = errors.New("no default metadata available")
)

// capacity of each subscriber channel. Events beyond it are dropped for that subscriber
const consumerBufferSize = 64

// Session is the single owner of the connection to the graph server and of the object model.
// All model mutation happens on its loop goroutine; every other caller gets copies
type Session struct {
	logger         *zap.SugaredLogger
	ingestLogger   *zap.SugaredLogger
	linkerLogger   *zap.SugaredLogger
	metadataLogger *zap.SugaredLogger

	config    *CanonicalConfig
	notifier  Notifier
	transport Transport
	verbose   bool

	// mu is the loop lock. It serializes event processing with command submission
	mu        sync.Mutex
	model     *objectModel
	tracked   map[uint32]*trackedObject
	listening bool

	appSink   Node
	appSource Node

	outputDevice Node
	inputDevice  Node

	defaultOutputName string
	defaultInputName  string

	metadataID uint32
	server     ServerInfo
	nextSeq    uint32

	pending *requestTable
	exiting atomic.Bool

	started      bool
	loopDone     chan struct{}
	shutdownOnce sync.Once

	defaultsProbe func() (string, string, error)

	consumersMutex   sync.RWMutex
	nodeConsumers    []chan NodeEvent
	linkConsumers    []chan Link
	defaultConsumers []chan DefaultDeviceEvent
	routeConsumers   []chan DeviceRouteEvent
}

// trackedObject is the per-object tracking handle. Dropping it from the session's table
// is what unregisters the object's listeners: events for untracked ids are ignored
type trackedObject struct {
	typ       ObjectType
	serial    uint64
	announced bool
}

// NewSession creates a session over the given transport. Nothing is sent until Connect
func NewSession(logger *zap.SugaredLogger, config *CanonicalConfig, notifier Notifier, transport Transport, verbose bool) (*Session, error) {
	if transport == nil {
		return nil, fmt.Errorf("create session: %w", ErrTransport)
	}

	logger = logger.Named("session")

	s := &Session{
		logger:         logger,
		ingestLogger:   logger.Named("ingest"),
		linkerLogger:   logger.Named("linker"),
		metadataLogger: logger.Named("metadata"),
		config:         config,
		notifier:       notifier,
		transport:      transport,
		verbose:        verbose,
		model:          newObjectModel(),
		tracked:        make(map[uint32]*trackedObject),
		appSink:        invalidNode(),
		appSource:      invalidNode(),
		outputDevice:   invalidNode(),
		inputDevice:    invalidNode(),
		metadataID:     InvalidID,
		pending:        newRequestTable(),
		loopDone:       make(chan struct{}),
	}

	if config.ProbePulseDefaults {
		s.defaultsProbe = probePulseDefaults
	}

	logger.Debug("Created session instance")

	return s, nil
}

// Connect establishes the session: it starts the transport and the loop goroutine, waits for
// the initial registry round trip and bootstraps the two permanent virtual devices.
// Any error it returns is fatal for the process
func (s *Session) Connect() error {
	s.logger.Debug("Connecting to graph server")

	if err := s.transport.Start(); err != nil {
		s.logger.Errorw("Failed to start graph server transport", "error", err)
		return fmt.Errorf("%w: start transport: %w", ErrConnect, err)
	}

	// listeners are in place before the first event is processed
	s.mu.Lock()
	s.listening = true
	s.started = true
	s.mu.Unlock()

	go s.run()

	if err := s.submitAndWait(Sync{}); err != nil {
		s.logger.Errorw("Registry round trip failed", "error", err)
		return fmt.Errorf("%w: registry round trip: %w", ErrConnect, err)
	}

	s.seedDefaultDevices()

	if err := s.loadVirtualDevices(); err != nil {
		s.logger.Errorw("Failed to create virtual devices", "error", err)
		return fmt.Errorf("%w: create virtual devices: %w", ErrConnect, err)
	}

	if err := s.waitForVirtualDevices(); err != nil {
		s.logger.Errorw("Virtual devices did not appear", "error", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	// streams announced before our devices existed are routed now
	s.routePendingStreams()

	s.logger.Infow("Connected to graph server", "model", s.modelString())

	return nil
}

// Shutdown tears the session down: it stops model mutation, destroys the virtual devices,
// closes the transport and waits for the loop goroutine to drain. It is safe to call more than once
func (s *Session) Shutdown() error {
	var err error

	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})

	return err
}

func (s *Session) shutdown() error {
	s.logger.Info("Shutting down")

	// from here on every event handler is a no-op
	s.exiting.Store(true)

	s.mu.Lock()
	s.listening = false
	started := s.started
	virtualDevices := []uint32{s.appSink.ID, s.appSource.ID}
	s.mu.Unlock()

	var shutdownErr error

	if started {
		for _, id := range virtualDevices {
			if id == InvalidID {
				continue
			}

			if err := s.submitAndWait(DestroyObject{ID: id}); err != nil {
				s.logger.Warnw("Failed to destroy virtual device", "id", id, "error", err)
			}
		}
	}

	s.logger.Debug("Closing graph server transport")

	if err := s.transport.Close(); err != nil {
		s.logger.Warnw("Failed to close graph server transport", "error", err)
		shutdownErr = fmt.Errorf("close transport: %w", err)
	}

	if started {
		select {
		case <-s.loopDone:
			s.logger.Debug("Event loop stopped")
		case <-time.After(s.config.Timing().SyncTimeout):
			s.logger.Warn("Event loop did not stop within timeout, proceeding anyway")
			if s.verbose {
				util.DumpAllGoroutines(s.logger)
			}
		}
	}

	s.pending.failAll(ErrExiting)
	s.closeEventChannels()

	// attempt to sync on exit - this won't necessarily work but can't harm
	s.logger.Sync()

	return shutdownErr
}

// Lock acquires the loop lock. While held no event is processed and no command is submitted,
// so a series of reads sees one consistent model. Never issue commands while holding it
func (s *Session) Lock() {
	s.mu.Lock()
}

// Unlock releases the loop lock
func (s *Session) Unlock() {
	s.mu.Unlock()
}

// Exiting reports whether shutdown has started
func (s *Session) Exiting() bool {
	return s.exiting.Load()
}

func (s *Session) run() {
	defer close(s.loopDone)

	s.logger.Debug("Event loop starting")

	for ev := range s.transport.Events() {
		s.mu.Lock()
		s.dispatch(ev)
		s.mu.Unlock()
	}

	s.logger.Debug("Event channel closed, event loop exiting")

	// nobody will ever acknowledge what's still pending
	s.pending.failAll(ErrExiting)
}

// dispatch must be called with the loop lock held
func (s *Session) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Recovered from panic while handling event", "event", fmt.Sprintf("%T", ev), "recover", r)
		}
	}()

	// acknowledgements still flow during shutdown, nothing else does
	switch e := ev.(type) {
	case Done:
		s.onDone(e)
		return
	case CoreError:
		s.onCoreError(e)
		return
	}

	if s.exiting.Load() || !s.listening {
		return
	}

	switch e := ev.(type) {
	case GlobalAdded:
		s.onGlobalAdded(e)
	case GlobalRemoved:
		s.onGlobalRemoved(e)
	case NodeInfoChanged:
		s.onNodeInfo(e)
	case NodeParamChanged:
		s.onNodeParam(e)
	case LinkInfoChanged:
		s.onLinkInfo(e)
	case ModuleInfoChanged:
		s.onModuleInfo(e)
	case ClientInfoChanged:
		s.onClientInfo(e)
	case DeviceInfoChanged:
		s.onDeviceInfo(e)
	case DeviceRouteChanged:
		s.onDeviceRoute(e)
	case MetadataProperty:
		s.onMetadataProperty(e)
	case CoreInfo:
		s.onCoreInfo(e)
	default:
		s.logger.Debugw("Ignoring unknown event", "event", fmt.Sprintf("%T", ev))
	}
}

func (s *Session) onDone(e Done) {
	if s.pending.complete(e.Seq, e.Err) {
		return
	}

	// fire-and-forget requests have no waiter
	if e.Err != nil {
		s.logger.Warnw("Server rejected request", "seq", e.Seq, "error", e.Err)
	}
}

func (s *Session) onCoreError(e CoreError) {
	s.logger.Warnw("Remote error", "id", e.ID, "seq", e.Seq, "res", e.Res, "message", e.Message)

	if e.Seq != 0 {
		s.pending.complete(e.Seq, fmt.Errorf("remote error %d: %s", e.Res, e.Message))
	}
}

func (s *Session) onCoreInfo(e CoreInfo) {
	if s.exiting.Load() {
		return
	}

	s.server.Version = e.Version
	s.server.Name = e.Name
	e.Props.Text("default.clock.rate", &s.server.DefaultClockRate)
	e.Props.Text("default.clock.min-quantum", &s.server.DefaultMinQuantum)
	e.Props.Text("default.clock.max-quantum", &s.server.DefaultMaxQuantum)
	e.Props.Text("default.clock.quantum", &s.server.DefaultQuantum)

	s.logger.Debugw("Core info", "version", e.Version, "name", e.Name)
}

// submitAndWait sends one command under the loop lock and blocks until the server acknowledges it
func (s *Session) submitAndWait(cmd Command) error {
	return s.submitBatchAndWait(cmd)
}

// submitBatchAndWait sends all commands back to back under the loop lock and waits for the last one.
// The server processes requests in order, so the last acknowledgement covers the whole batch
func (s *Session) submitBatchAndWait(cmds ...Command) error {
	if len(cmds) == 0 {
		return nil
	}

	s.mu.Lock()

	var (
		seq  uint32
		done chan error
	)

	for i, cmd := range cmds {
		var err error

		seq, done, err = s.sendLocked(cmd, i == len(cmds)-1)
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}

	s.mu.Unlock()

	return s.wait(seq, done)
}

// sendLocked must be called with the loop lock held
func (s *Session) sendLocked(cmd Command, track bool) (uint32, chan error, error) {
	s.nextSeq++
	if s.nextSeq == 0 {
		// zero means "no request" in error reports
		s.nextSeq++
	}
	seq := s.nextSeq

	var done chan error
	if track {
		done = s.pending.register(seq)
	}

	if err := s.transport.Send(Request{Seq: seq, Command: cmd}); err != nil {
		if track {
			s.pending.cancel(seq)
		}

		return 0, nil, fmt.Errorf("send request %d: %w", seq, err)
	}

	return seq, done, nil
}

func (s *Session) wait(seq uint32, done chan error) error {
	timer := time.NewTimer(s.config.Timing().SyncTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		s.pending.cancel(seq)
		return fmt.Errorf("request %d: %w", seq, ErrSyncTimeout)
	}
}

func (s *Session) loadVirtualDevices() error {
	s.mu.Lock()
	needSink := !s.appSink.Valid()
	needSource := !s.appSource.Valid()
	s.mu.Unlock()

	if needSink {
		s.logger.Debugw("Creating virtual sink", "name", AppSinkName)

		if err := s.submitAndWait(CreateNode{Factory: "adapter", Props: virtualDeviceProps(AppSinkName, "App Sink", MediaClassSink)}); err != nil {
			return fmt.Errorf("create %s: %w", AppSinkName, err)
		}
	}

	if needSource {
		s.logger.Debugw("Creating virtual source", "name", AppSourceName)

		if err := s.submitAndWait(CreateNode{Factory: "adapter", Props: virtualDeviceProps(AppSourceName, "App Source", MediaClassVirtualSource)}); err != nil {
			return fmt.Errorf("create %s: %w", AppSourceName, err)
		}
	}

	return nil
}

func virtualDeviceProps(name string, description string, mediaClass string) Props {
	props := Props{
		keyAppID:                  "pwgraph",
		keyNodeName:               name,
		keyNodeDescription:        description,
		keyNodeVirtual:            "true",
		"factory.name":            "support.null-audio-sink",
		keyMediaClass:             mediaClass,
		"audio.position":          "FL,FR",
		"monitor.channel-volumes": "false",
		"monitor.passthrough":     "true",
		keyPrioritySession:        "0",
	}

	if mediaClass == MediaClassSink {
		props[keyNodePassive] = "out"
	}

	return props
}

// waitForVirtualDevices polls the model until both permanent devices have valid ids
func (s *Session) waitForVirtualDevices() error {
	timing := s.config.Timing()
	deadline := time.Now().Add(timing.BootstrapTimeout)

	for {
		s.mu.Lock()
		sink, source := s.appSink, s.appSource
		s.mu.Unlock()

		if sink.Valid() && source.Valid() {
			s.logger.Debugw("Virtual devices available",
				"sinkID", sink.ID, "sinkSerial", sink.Serial,
				"sourceID", source.ID, "sourceSerial", source.Serial)

			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("virtual devices missing after %s (sink: %t, source: %t)",
				timing.BootstrapTimeout, sink.Valid(), source.Valid())
		}

		<-time.After(timing.BootstrapPollInterval)
	}
}

func (s *Session) routePendingStreams() {
	routing := s.config.Routing()

	for _, node := range s.Nodes() {
		if node.IsBlocklisted || node.Connected {
			continue
		}

		var err error

		switch {
		case node.MediaClass == MediaClassOutputStream && routing.ProcessAllOutputs:
			err = s.ConnectStreamOutput(node.ID)
		case node.MediaClass == MediaClassInputStream && routing.ProcessAllInputs:
			err = s.ConnectStreamInput(node.ID)
		default:
			continue
		}

		if err != nil {
			s.logger.Warnw("Failed to route pending stream", "node", node, "error", err)
		}
	}
}

func (s *Session) modelString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.String()
}

// requestTable maps sequence numbers to one-shot completion signals
type requestTable struct {
	mu      sync.Mutex
	waiters map[uint32]chan error
}

func newRequestTable() *requestTable {
	return &requestTable{waiters: make(map[uint32]chan error)}
}

func (t *requestTable) register(seq uint32) chan error {
	done := make(chan error, 1)

	t.mu.Lock()
	t.waiters[seq] = done
	t.mu.Unlock()

	return done
}

func (t *requestTable) complete(seq uint32, err error) bool {
	t.mu.Lock()
	done, ok := t.waiters[seq]
	delete(t.waiters, seq)
	t.mu.Unlock()

	if ok {
		done <- err
	}

	return ok
}

func (t *requestTable) cancel(seq uint32) {
	t.mu.Lock()
	delete(t.waiters, seq)
	t.mu.Unlock()
}

func (t *requestTable) failAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for seq, done := range t.waiters {
		done <- err
		delete(t.waiters, seq)
	}
}
