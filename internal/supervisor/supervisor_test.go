package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExpandEnv(t *testing.T) {
	s := New(nil, WithLookupEnv(func(name string) (string, bool) {
		if name == "API_KEY" {
			return "secret", true
		}
		return "", false
	}))

	resolved, missing := s.expandEnv(map[string]string{"KEY": "${API_KEY}", "PLAIN": "x"})
	if missing != "" {
		t.Fatalf("unexpected missing env %q", missing)
	}
	if resolved["KEY"] != "secret" || resolved["PLAIN"] != "x" {
		t.Errorf("resolved = %v", resolved)
	}

	_, missing = s.expandEnv(map[string]string{"KEY": "${NOT_SET}"})
	if missing != "NOT_SET" {
		t.Errorf("missing = %q, want NOT_SET", missing)
	}
}

func TestUnresolvedEnvFailsServerNotBoot(t *testing.T) {
	specs := []Spec{
		{Name: "broken", Command: "/bin/cat", Env: map[string]string{"K": "${HER_TEST_DOES_NOT_EXIST}"}},
	}
	s := New(specs, WithStartTimeout(100*time.Millisecond))
	s.Start(context.Background())

	statuses := s.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	if statuses[0].Status != StatusFailed {
		t.Errorf("status = %q, want failed", statuses[0].Status)
	}
	if statuses[0].LastError != "unresolved_env:HER_TEST_DOES_NOT_EXIST" {
		t.Errorf("last error = %q", statuses[0].LastError)
	}
}

func TestStartupTimeout(t *testing.T) {
	// cat accepts stdin forever and never speaks the protocol.
	specs := []Spec{{Name: "flaky", Command: "/bin/cat"}}
	s := New(specs, WithStartTimeout(150*time.Millisecond))
	s.Start(context.Background())
	defer s.Stop()

	statuses := s.Statuses()
	if statuses[0].Status != StatusFailed {
		t.Fatalf("status = %q, want failed", statuses[0].Status)
	}
	if statuses[0].LastError != "startup_timeout" {
		t.Errorf("last error = %q, want startup_timeout", statuses[0].LastError)
	}
}

func TestParallelBootIsolatesFailures(t *testing.T) {
	specs := []Spec{
		{Name: "missing", Command: "/nonexistent/tool-server"},
		{Name: "flaky", Command: "/bin/cat"},
	}
	s := New(specs, WithStartTimeout(150*time.Millisecond))

	var mu sync.Mutex
	events := map[string][]Status{}
	s.Subscribe(func(e Event) {
		mu.Lock()
		events[e.Server] = append(events[e.Server], e.Status)
		mu.Unlock()
	})

	s.Start(context.Background())
	defer s.Stop()

	statuses := s.Statuses()
	for _, st := range statuses {
		if st.Status != StatusFailed {
			t.Errorf("server %s status = %q, want failed", st.Name, st.Status)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for name, seq := range events {
		if seq[0] != StatusStarting {
			t.Errorf("server %s first transition = %q, want starting", name, seq[0])
		}
	}
}

func TestToolsClearedOffRunning(t *testing.T) {
	specs := []Spec{{Name: "flaky", Command: "/bin/cat"}}
	s := New(specs, WithStartTimeout(100*time.Millisecond))
	s.Start(context.Background())
	defer s.Stop()

	// Never reached running, so the tool set must be empty and no
	// client must be routable.
	if st := s.Statuses()[0]; st.ToolCount != 0 {
		t.Errorf("tool count = %d, want 0", st.ToolCount)
	}
	if _, ok := s.Client("flaky"); ok {
		t.Error("non-running server must not expose a client")
	}
}

func TestStderrRing(t *testing.T) {
	r := newStderrRing(16)
	if _, err := r.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte("world, this overflows the ring")); err != nil {
		t.Fatal(err)
	}
	tail := r.Tail()
	if len(tail) != 16 {
		t.Fatalf("tail length = %d, want 16", len(tail))
	}
	if !strings.HasSuffix("hello world, this overflows the ring", tail) {
		t.Errorf("tail %q is not a suffix of the written bytes", tail)
	}
}
