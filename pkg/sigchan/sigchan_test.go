package sigchan

import "testing"

func TestEmitCoalesces(t *testing.T) {
	c := New(1)
	c.Emit()
	c.Emit()
	select {
	case <-c.C():
	default:
		t.Fatalf("expected a signal")
	}
	select {
	case <-c.C():
		t.Fatalf("signals should coalesce")
	default:
	}
}
