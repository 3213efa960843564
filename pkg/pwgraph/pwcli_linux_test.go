package pwgraph

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()

	if name == "pw-link" {
		return []byte("failed to link ports: No such file or directory\n"), errors.New("exit status 1")
	}

	return nil, nil
}

func (r *recordingRunner) recorded() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyOf(r.calls)
}

func pipeMonitor() (monitorStarter, *io.PipeWriter) {
	reader, writer := io.Pipe()

	return func(ctx context.Context) (io.ReadCloser, func() error, error) {
		go func() {
			<-ctx.Done()
			writer.Close()
		}()

		return reader, func() error { return nil }, nil
	}, writer
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestCLITransportDeliversDumpThenAcks(t *testing.T) {
	runner := &recordingRunner{}
	monitor, writer := pipeMonitor()

	transport := newCLITransport(zap.NewNop().Sugar(), runner.run, monitor)
	require.NoError(t, transport.Start())

	require.NoError(t, transport.Send(Request{Seq: 1, Command: Sync{}}))
	require.NoError(t, transport.Send(Request{Seq: 2, Command: DestroyObject{ID: 7}}))
	require.NoError(t, transport.Send(Request{Seq: 3, Command: CreateLink{OutputPort: 101, InputPort: 201}}))

	go func() {
		writer.Write([]byte(`[{"id": 42, "type": "PipeWire:Interface:Node", "info": {"props": {"object.serial": 420}}}]`))
	}()

	events := transport.Events()

	// the sync is acknowledged only once the initial dump was delivered
	assert.IsType(t, GlobalAdded{}, nextEvent(t, events))
	assert.IsType(t, NodeInfoChanged{}, nextEvent(t, events))
	assert.Equal(t, Done{Seq: 1}, nextEvent(t, events))
	assert.Equal(t, Done{Seq: 2}, nextEvent(t, events))

	failed, ok := nextEvent(t, events).(Done)
	require.True(t, ok)
	assert.Equal(t, uint32(3), failed.Seq)
	require.Error(t, failed.Err)
	assert.Contains(t, failed.Err.Error(), "failed to link ports")

	assert.Equal(t, [][]string{
		{"pw-cli", "destroy", "7"},
		{"pw-link", "101", "201"},
	}, runner.recorded())

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	_, open := <-events
	assert.False(t, open)

	assert.ErrorIs(t, transport.Send(Request{Seq: 4, Command: Sync{}}), ErrTransport)
}

func TestCLITransportStartFailure(t *testing.T) {
	transport := newCLITransport(zap.NewNop().Sugar(), (&recordingRunner{}).run, func(context.Context) (io.ReadCloser, func() error, error) {
		return nil, nil, errors.New("pw-dump: not found")
	})

	err := transport.Start()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}
