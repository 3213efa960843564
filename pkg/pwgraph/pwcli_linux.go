package pwgraph

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// commandRunner runs one tool invocation to completion and returns its combined output
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// monitorStarter starts the graph dump stream and returns its output plus a function waiting for it to exit
type monitorStarter func(ctx context.Context) (io.ReadCloser, func() error, error)

// CLITransport talks to the graph server through its command line tools: pw-dump --monitor
// provides the event stream and every request is one pw-cli, pw-link or pw-metadata invocation
type CLITransport struct {
	logger *zap.SugaredLogger

	runCommand   commandRunner
	startMonitor monitorStarter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events chan Event

	queueLock   sync.Mutex
	queue       []Request
	queueSignal chan struct{}

	firstDump     chan struct{}
	firstDumpOnce sync.Once

	closeOnce sync.Once
}

// NewCLITransport creates a transport driving the graph server's command line tools
func NewCLITransport(logger *zap.SugaredLogger) (*CLITransport, error) {
	if _, err := exec.LookPath("pw-dump"); err != nil {
		return nil, fmt.Errorf("find pw-dump: %w: %w", ErrTransport, err)
	}

	return newCLITransport(logger, runTool, startDumpMonitor), nil
}

func newCLITransport(logger *zap.SugaredLogger, runCommand commandRunner, startMonitor monitorStarter) *CLITransport {
	ctx, cancel := context.WithCancel(context.Background())

	return &CLITransport{
		logger:       logger.Named("transport"),
		runCommand:   runCommand,
		startMonitor: startMonitor,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan Event),
		queueSignal:  make(chan struct{}, 1),
		firstDump:    make(chan struct{}),
	}
}

// Start launches the dump monitor and the command worker
func (t *CLITransport) Start() error {
	output, wait, err := t.startMonitor(t.ctx)
	if err != nil {
		return fmt.Errorf("start graph monitor: %w: %w", ErrTransport, err)
	}

	t.wg.Add(2)

	go t.readEvents(output, wait)
	go t.processCommands()

	t.logger.Debug("Transport started")

	return nil
}

// Events returns the channel every server notification is delivered on
func (t *CLITransport) Events() <-chan Event {
	return t.events
}

// Send queues a request for the command worker. It never blocks
func (t *CLITransport) Send(req Request) error {
	select {
	case <-t.ctx.Done():
		return fmt.Errorf("send request %d: %w", req.Seq, ErrTransport)
	default:
	}

	t.queueLock.Lock()
	t.queue = append(t.queue, req)
	t.queueLock.Unlock()

	select {
	case t.queueSignal <- struct{}{}:
	default:
	}

	return nil
}

// Close stops both goroutines and closes the event channel once they are gone
func (t *CLITransport) Close() error {
	t.closeOnce.Do(func() {
		t.logger.Debug("Closing transport")

		t.cancel()
		t.wg.Wait()

		close(t.events)
	})

	return nil
}

func (t *CLITransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *CLITransport) readEvents(output io.ReadCloser, wait func() error) {
	defer t.wg.Done()

	defer func() {
		output.Close()

		if err := wait(); err != nil && t.ctx.Err() == nil {
			t.logger.Warnw("Graph monitor exited", "error", err)
		}
	}()

	decoder := json.NewDecoder(bufio.NewReader(output))
	decoder.UseNumber()

	dumps := newDumpDecoder()

	for {
		var objects []dumpObject

		if err := decoder.Decode(&objects); err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				t.logger.Warnw("Failed to decode graph dump", "error", err)
			}

			t.markFirstDump()
			return
		}

		events, err := dumps.decode(objects)
		if err != nil {
			t.logger.Warnw("Skipping malformed dump object", "error", err)
		}

		for _, ev := range events {
			if !t.emit(ev) {
				return
			}
		}

		t.markFirstDump()
	}
}

func (t *CLITransport) markFirstDump() {
	t.firstDumpOnce.Do(func() {
		close(t.firstDump)
	})
}

func (t *CLITransport) processCommands() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.queueSignal:
		}

		for {
			req, ok := t.dequeue()
			if !ok {
				break
			}

			if !t.emit(Done{Seq: req.Seq, Err: t.execute(req)}) {
				return
			}
		}
	}
}

func (t *CLITransport) dequeue() (Request, bool) {
	t.queueLock.Lock()
	defer t.queueLock.Unlock()

	if len(t.queue) == 0 {
		return Request{}, false
	}

	req := t.queue[0]
	t.queue = t.queue[1:]

	return req, true
}

func (t *CLITransport) execute(req Request) error {
	// a sync completes once the initial registry contents were delivered;
	// everything queued before it has already run
	if _, ok := req.Command.(Sync); ok {
		select {
		case <-t.firstDump:
			return nil
		case <-t.ctx.Done():
			return ErrExiting
		}
	}

	name, args, err := commandArgs(req.Command)
	if err != nil {
		return err
	}

	t.logger.Debugw("Running command", "seq", req.Seq, "command", name, "args", args)

	output, err := t.runCommand(t.ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}

	return nil
}

func runTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func startDumpMonitor(ctx context.Context) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "pw-dump", "--monitor", "--no-colors")

	output, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("open pw-dump output: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start pw-dump: %w", err)
	}

	return output, cmd.Wait, nil
}
