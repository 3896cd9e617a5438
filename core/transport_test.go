package core

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBaseConnectionDeliverMessageInvokesCallback(t *testing.T) {
	var b BaseConnection
	var got []byte
	var mu sync.Mutex
	b.SetMessageCallback(func(data []byte) {
		mu.Lock()
		got = append([]byte(nil), data...)
		mu.Unlock()
	})

	b.DeliverMessage([]byte("hello"))

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello" {
		t.Fatalf("expected callback to observe payload, got %q", got)
	}
	stats := b.Stats()
	if stats.MessagesReceived != 1 || stats.BytesReceived != 5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBaseConnectionDeliverStateInvokesCallback(t *testing.T) {
	var b BaseConnection
	var seen []ConnectionState
	var mu sync.Mutex
	b.SetStateCallback(func(s ConnectionState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	b.DeliverState(StateConnecting)
	b.DeliverState(StateConnected)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StateConnecting || seen[1] != StateConnected {
		t.Fatalf("unexpected state sequence: %v", seen)
	}
}

// TestShutdownCallbacksDrainsInFlight verifies the teardown guarantee:
// once ShutdownCallbacks returns, no callback for that connection is (or
// ever again will be) executing, even if one was blocked in the callback
// body when shutdown began.
func TestShutdownCallbacksDrainsInFlight(t *testing.T) {
	var b BaseConnection
	release := make(chan struct{})
	entered := make(chan struct{})
	var exited int32

	b.SetMessageCallback(func(data []byte) {
		close(entered)
		<-release
		atomic.StoreInt32(&exited, 1)
	})

	go b.DeliverMessage([]byte("x"))
	<-entered

	done := make(chan struct{})
	go func() {
		b.ShutdownCallbacks()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("ShutdownCallbacks returned before in-flight callback exited")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done

	if atomic.LoadInt32(&exited) != 1 {
		t.Fatalf("expected in-flight callback to have completed before shutdown returned")
	}
}

// TestShutdownCallbacksBlocksNewDeliveries ensures that after shutdown, a
// new DeliverMessage/DeliverState call is a silent no-op rather than
// invoking the (possibly now-dangling) callback.
func TestShutdownCallbacksBlocksNewDeliveries(t *testing.T) {
	var b BaseConnection
	var calls int32
	b.SetMessageCallback(func(data []byte) { atomic.AddInt32(&calls, 1) })

	b.ShutdownCallbacks()
	b.DeliverMessage([]byte("late"))

	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no callback invocation after shutdown, got %d", calls)
	}
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected:  "Disconnected",
		StateConnecting:    "Connecting",
		StateConnected:     "Connected",
		StateDisconnecting: "Disconnecting",
		StateFailed:        "Failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: got %q, want %q", state, got, want)
		}
	}
}

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig()
	if cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected ConnectTimeout: %v", cfg.ConnectTimeout)
	}
	if cfg.SendMaxPolls != 100 {
		t.Fatalf("unexpected SendMaxPolls: %d", cfg.SendMaxPolls)
	}
	if cfg.MaxMessageSize != 16*1024*1024 {
		t.Fatalf("unexpected MaxMessageSize: %d", cfg.MaxMessageSize)
	}
}
