package fixq_test

import (
	"testing"

	"github.com/m-lab/netstack/internal/fixq"
	"github.com/m-lab/netstack/nerr"
)

func TestSendRecvOrder(t *testing.T) {
	q := fixq.New(3)
	for i := 0; i < 3; i++ {
		if err := q.Send(i, 0); err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
	}
	if err := q.Send(3, 0); err != nerr.ErrFull {
		t.Errorf("expected ErrFull, got %v", err)
	}
	for i := 0; i < 3; i++ {
		v, err := q.Recv(0)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if v.(int) != i {
			t.Errorf("expected FIFO order, got %v want %d", v, i)
		}
	}
	if _, err := q.Recv(0); err != nerr.ErrNone {
		t.Errorf("expected ErrNone on empty queue, got %v", err)
	}
}
