package s3ftp

import (
	"errors"
	"testing"
)

func TestPortPoolExhaustion(t *testing.T) {
	t.Parallel()

	pool := newPortPool(4001, 3)
	if pool.available() != 3 {
		t.Fatalf("available = %d", pool.available())
	}

	got := make(map[int]bool)
	for i := 0; i < 3; i++ {
		port, err := pool.acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if port < 4001 || port >= 4004 {
			t.Errorf("port %d outside [4001, 4004)", port)
		}
		if got[port] {
			t.Errorf("port %d handed out twice", port)
		}
		got[port] = true
	}

	if _, err := pool.acquire(); !errors.Is(err, ErrNoPortsAvailable) {
		t.Errorf("acquire on empty pool: %v, want ErrNoPortsAvailable", err)
	}
}

func TestPortPoolRelease(t *testing.T) {
	t.Parallel()

	pool := newPortPool(5000, 1)
	port, err := pool.acquire()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.acquire(); err == nil {
		t.Fatal("second acquire succeeded")
	}

	pool.release(port)
	again, err := pool.acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if again != port {
		t.Errorf("got port %d, want released %d", again, port)
	}
}

func TestPassiveReply(t *testing.T) {
	t.Parallel()

	got := passiveReply("192.168.0.10", 4011)
	want := "Entering Passive Mode (192,168,0,10,15,171)."
	if got != want {
		t.Errorf("passiveReply = %q, want %q", got, want)
	}
}
