package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	label string
	mu    sync.Mutex
	log   *[]string
	block chan struct{}
	err   error
}

func (f *fakeRunner) Label() string { return f.label }

func (f *fakeRunner) Start(ctx context.Context) error {
	f.mu.Lock()
	*f.log = append(*f.log, "start:"+f.label)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-f.block:
		return nil
	}
}

func (f *fakeRunner) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.log = append(*f.log, "stop:"+f.label)
	close(f.block)
}

func newFakeRunner(label string, log *[]string) *fakeRunner {
	return &fakeRunner{label: label, log: log, block: make(chan struct{})}
}

func TestRunStartsInOrderAndStopsInReverseOnCancel(t *testing.T) {
	var log []string
	a := newFakeRunner("a", &log)
	b := newFakeRunner("b", &log)
	c := newFakeRunner("c", &log)

	s := New(discardLogger(), a, b, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	require.Equal(t, []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}, log)
}

func TestRunPropagatesRunnerStartError(t *testing.T) {
	var log []string
	boom := errors.New("boom")
	a := newFakeRunner("a", &log)
	failing := &fakeRunner{label: "failing", log: &log, block: make(chan struct{}), err: boom}

	s := New(discardLogger(), a, failing)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}
