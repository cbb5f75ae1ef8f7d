package timerset

import "testing"

func TestFakeCreateExpireWait(t *testing.T) {
	ts := NewFake()

	fd, err := ts.Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ts.Expire(fd)

	fired, err := ts.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(fired) != 1 || fired[0] != fd {
		t.Fatalf("Wait() = %v, want [%d]", fired, fd)
	}
}

func TestFakeCancelPreventsExpire(t *testing.T) {
	ts := NewFake()
	fd, _ := ts.Create(0)
	if err := ts.Cancel(fd); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	ts.Expire(fd) // should be a no-op now

	select {
	case fired := <-ts.fired:
		t.Fatalf("timer fired after cancel: %d", fired)
	default:
	}
}
