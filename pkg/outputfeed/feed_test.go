package outputfeed

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/X1-Cadence/pkg/vm"
)

// TestFeedRing tests replay buffering and fault detection.
func TestFeedRing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buffer = 3
	f := New(cfg)

	for _, text := range []string{"a", "b", "c", vm.FaultPrefix + "boom"} {
		f.Emit("prog", text)
	}

	recent := f.Recent()
	if len(recent) != 3 {
		t.Fatalf("Recent() returned %d lines, want 3", len(recent))
	}
	if recent[0].Text != "b" || recent[0].Seq != 2 {
		t.Errorf("oldest line = %+v, want seq 2 text b", recent[0])
	}
	if last := recent[2]; !last.Fault || last.Seq != 4 {
		t.Errorf("newest line = %+v, want fault seq 4", last)
	}
}

// TestFeedFilter tests program filtering and lagging subscribers.
func TestFeedFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubscriberQueue = 1
	f := New(cfg)

	s, _ := f.subscribe("Lib", false)
	f.Emit("app", "ignored")
	f.Emit("lib", "first")
	f.Emit("lib", "dropped")

	if got := <-s.ch; got.Text != "first" {
		t.Errorf("received %q, want first", got.Text)
	}
	if s.dropped != 1 {
		t.Errorf("dropped = %d, want 1", s.dropped)
	}

	f.unsubscribe(s)
	if n := f.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func startServer(t *testing.T, f *Feed) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(f)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := Dial("bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestSubscribe tests replay followed by live lines over gRPC.
func TestSubscribe(t *testing.T) {
	f := New(DefaultConfig())
	f.Emit("app", "hello")
	f.Emit("other", "skip")
	c := startServer(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := c.Subscribe(ctx, SubscribeRequest{Program: "app", Replay: true})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	line, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if line.Text != "hello" || line.Seq != 1 {
		t.Errorf("replayed line = %+v, want seq 1 hello", line)
	}

	for f.Subscribers() == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}
	f.Emit("app", vm.FaultPrefix+"stack overflow")

	line, err = stream.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !line.Fault || line.Program != "app" {
		t.Errorf("live line = %+v, want fault from app", line)
	}
}

// TestVMOutput tests the feed as a VM output sink.
func TestVMOutput(t *testing.T) {
	f := New(DefaultConfig())
	var echoed []string
	f.config.Echo = vm.OutputFunc(func(source, text string) {
		echoed = append(echoed, source+": "+text)
	})

	cfg := vm.DefaultConfig()
	cfg.Output = f
	c := vm.New(cfg)
	c.Emit(nil, "host line")

	recent := f.Recent()
	if len(recent) != 1 || recent[0].Text != "host line" {
		t.Fatalf("Recent() = %+v", recent)
	}
	if len(echoed) != 1 {
		t.Errorf("echoed %d lines, want 1", len(echoed))
	}
}
