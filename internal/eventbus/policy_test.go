package eventbus

import "testing"

func TestDefaultOrder(t *testing.T) {
	if DefaultOrder("usage") != OrderLIFO {
		t.Fatalf("expected lifo for usage")
	}
	if DefaultOrder("runs") != OrderLIFO {
		t.Fatalf("expected lifo for runs")
	}
	if DefaultOrder("unknown") != OrderFIFO {
		t.Fatalf("expected fifo for unknown")
	}
}

func TestIsLive(t *testing.T) {
	if !IsLive("usage") || !IsLive("runs") {
		t.Fatalf("expected usage and runs to be live")
	}
	if IsLive("debug") {
		t.Fatalf("expected debug to stay off the live feed")
	}
}
