package relay

import (
	"context"
	"testing"
	"time"
)

func TestTracker_SecondBindRejected(t *testing.T) {
	tr := NewTracker()
	firstCanceled := false

	release, ok := tr.Bind("s1", func() { firstCanceled = true })
	if !ok {
		t.Fatalf("first bind rejected")
	}
	if _, ok := tr.Bind("s1", func() {}); ok {
		t.Fatalf("second bind accepted")
	}
	if firstCanceled {
		t.Fatalf("rejected bind must not affect the existing relay")
	}
	if !tr.IsBound("s1") {
		t.Fatalf("existing binding lost")
	}

	if _, ok := tr.Bind("s2", func() {}); !ok {
		t.Fatalf("other sessions must bind independently")
	}

	release()
	release()
	if tr.IsBound("s1") {
		t.Fatalf("release did not unbind")
	}
	if _, ok := tr.Bind("s1", func() {}); !ok {
		t.Fatalf("rebind after release rejected")
	}
}

func TestTracker_CancelAndWait(t *testing.T) {
	tr := NewTracker()
	var releases []func()
	canceled := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		id := id
		release, _ := tr.Bind(id, func() { canceled <- id })
		releases = append(releases, release)
	}

	if !tr.Cancel("a") {
		t.Fatalf("cancel of bound session returned false")
	}
	if got := <-canceled; got != "a" {
		t.Fatalf("canceled %s, want a", got)
	}
	if tr.Cancel("missing") {
		t.Fatalf("cancel of unknown session returned true")
	}
	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("CancelAll canceled %d, want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("Wait returned before releases")
	}

	for _, release := range releases {
		release()
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("Wait did not observe releases")
	}
}
