package core

import (
	"testing"
	"time"
)

func TestNotifierSignalWakesWaiter(t *testing.T) {
	n := newNotifierRegistry()
	ch := n.Wait(0, "q")

	done := make(chan struct{})
	go func() {
		n.Signal(0, "q")
		close(done)
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Signal")
	}
	<-done
}

func TestNotifierSignalWithNoWaiterIsHarmless(t *testing.T) {
	n := newNotifierRegistry()
	n.Signal(0, "nobody-waiting")
}

func TestNotifierWaitReturnsFreshChannelAfterSignal(t *testing.T) {
	n := newNotifierRegistry()
	first := n.Wait(0, "q")
	n.Signal(0, "q")

	select {
	case <-first:
	default:
		t.Fatal("expected first channel to be closed by Signal")
	}

	second := n.Wait(0, "q")
	select {
	case <-second:
		t.Fatal("expected fresh channel from Wait to still be open")
	default:
	}
}

func TestNotifierWaitIsScopedPerDB(t *testing.T) {
	n := newNotifierRegistry()
	chDB0 := n.Wait(0, "q")
	chDB1 := n.Wait(1, "q")

	n.Signal(0, "q")

	select {
	case <-chDB0:
	default:
		t.Fatal("expected db 0 waiter to be signaled")
	}
	select {
	case <-chDB1:
		t.Fatal("signal on db 0 should not wake a db 1 waiter on the same key name")
	default:
	}
}
