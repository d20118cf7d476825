package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlink/agent/internal/protocol"
)

func _id(b byte) protocol.RequestID {
	var id protocol.RequestID
	id[protocol.RequestIDSize-1] = b
	return id
}

func Test_new_http_frame_creates_request(t *testing.T) {
	started := make(chan *PerRequest, 1)
	reg := NewRegistry(zerolog.Nop(), func(pr *PerRequest) {
		started <- pr
		<-pr.Done()
	}, func(protocol.IdleDescriptor) {})

	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeHTTP, Payload: []byte(`{"url":"/"}`)})

	var pr *PerRequest
	select {
	case pr = <-started:
		if pr.Kind != protocol.TypeHTTP {
			t.Errorf("kind %q", pr.Kind)
		}
		if string(pr.RawDescriptor) != `{"url":"/"}` {
			t.Errorf("descriptor %q", pr.RawDescriptor)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d requests, want 1", reg.Len())
	}
	pr.Finish()
}

func Test_subsequent_frames_reach_substream_in_order(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	reg := NewRegistry(zerolog.Nop(), func(pr *PerRequest) {
		for f := range pr.Frames() {
			mu.Lock()
			got = append(got, f.Type+":"+string(f.Payload))
			mu.Unlock()
			if f.Type == protocol.TypeEnd {
				close(done)
				return
			}
		}
	}, func(protocol.IdleDescriptor) {})

	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeHTTP, Payload: []byte(`{}`)})
	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeData, Payload: []byte("a")})
	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeData, Payload: []byte("b")})
	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeEnd})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("end frame never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"data:a", "data:b", "end:"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func Test_finished_request_is_removed(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), func(pr *PerRequest) {}, func(protocol.IdleDescriptor) {})

	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeWS, Payload: []byte(`{}`)})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && reg.Len() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Error("finished request still registered")
	}

	// frames for the finished id are dropped, not redelivered
	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeData, Payload: []byte("late")})
}

func Test_unknown_id_frames_are_dropped(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), func(pr *PerRequest) {
		t.Error("handler invoked for a data frame")
	}, func(protocol.IdleDescriptor) {})

	reg.Route(&protocol.Frame{RequestID: _id(9), Type: protocol.TypeData, Payload: []byte("x")})
	reg.Route(&protocol.Frame{RequestID: _id(9), Type: protocol.TypeEnd})
	if reg.Len() != 0 {
		t.Errorf("registry holds %d requests", reg.Len())
	}
}

func Test_go_idle_reaches_supervisor_hook(t *testing.T) {
	idleCh := make(chan protocol.IdleDescriptor, 1)
	reg := NewRegistry(zerolog.Nop(), func(pr *PerRequest) {
		t.Error("go-idle must not create a request")
	}, func(d protocol.IdleDescriptor) { idleCh <- d })

	reg.Route(&protocol.Frame{
		RequestID: _id(0),
		Type:      protocol.TypeGoIdle,
		Payload:   []byte(`{"db":"d","dbKey":"k","apiKey":"a","token":"t"}`),
	})

	select {
	case d := <-idleCh:
		if d.DB != "d" || d.DBKey != "k" || d.APIKey != "a" || d.Token != "t" {
			t.Errorf("descriptor %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("idle descriptor never delivered")
	}
}

func Test_close_all_finishes_every_request(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	reg := NewRegistry(zerolog.Nop(), func(pr *PerRequest) {
		<-pr.Done()
		wg.Done()
	}, func(protocol.IdleDescriptor) {})

	reg.Route(&protocol.Frame{RequestID: _id(1), Type: protocol.TypeHTTP, Payload: []byte(`{}`)})
	reg.Route(&protocol.Frame{RequestID: _id(2), Type: protocol.TypeWS, Payload: []byte(`{}`)})

	reg.CloseAll()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("requests survived teardown")
	}
	if reg.Len() != 0 {
		t.Errorf("registry holds %d requests after teardown", reg.Len())
	}
}
