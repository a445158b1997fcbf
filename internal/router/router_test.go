package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/louisbranch/tandem.space/internal/platform/errors"
)

func TestQueuedDeliversOncePerPublishInOrder(t *testing.T) {
	r := New()
	var got []string
	if _, err := r.Subscribe("hud", "score", DisciplineQueued, func(scope, name string, payload []byte) {
		got = append(got, string(payload))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 1; i <= 5; i++ {
		r.Publish("hud", "score", []byte(fmt.Sprintf("p%d", i)))
	}
	if len(got) != 0 {
		t.Fatalf("queued deliveries before frame = %d, want 0", len(got))
	}

	r.Frame()
	want := []string{"p1", "p2", "p3", "p4", "p5"}
	if len(got) != len(want) {
		t.Fatalf("deliveries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("deliveries = %v, want %v", got, want)
		}
	}
}

func TestLatestCoalescesToSinglePayload(t *testing.T) {
	r := New()
	var got []string
	if _, err := r.Subscribe("hud", "position", DisciplineLatest, func(scope, name string, payload []byte) {
		got = append(got, string(payload))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 1; i <= 5; i++ {
		r.Publish("hud", "position", []byte(fmt.Sprintf("p%d", i)))
	}
	r.Frame()

	if len(got) != 1 || got[0] != "p5" {
		t.Fatalf("deliveries = %v, want [p5]", got)
	}

	// Nothing pending: the next frame delivers nothing.
	r.Frame()
	if len(got) != 1 {
		t.Fatalf("deliveries after idle frame = %v, want [p5]", got)
	}
}

func TestImmediateRunsBeforePublishReturns(t *testing.T) {
	r := New()
	delivered := false
	if _, err := r.Subscribe("fx", "hit", DisciplineImmediate, func(scope, name string, payload []byte) {
		delivered = true
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.Publish("fx", "hit", []byte("now"))
	if !delivered {
		t.Fatal("immediate handler did not run inside Publish")
	}
}

func TestUnsubscribeDropsPendingDeliveries(t *testing.T) {
	r := New()
	var got int
	sub, err := r.Subscribe("hud", "score", DisciplineQueued, func(scope, name string, payload []byte) {
		got++
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.Publish("hud", "score", []byte("p1"))
	sub.Unsubscribe()
	r.Frame()

	if got != 0 {
		t.Fatalf("deliveries = %d, want 0 after unsubscribe", got)
	}
}

func TestSubscribeRejectsUnknownDiscipline(t *testing.T) {
	r := New()
	_, err := r.Subscribe("hud", "score", Discipline("sometimes"), func(scope, name string, payload []byte) {})
	if !errors.IsCode(err, errors.CodeUnknownDiscipline) {
		t.Fatalf("err = %v, want %s", err, errors.CodeUnknownDiscipline)
	}
}

type captureSubmitter struct {
	submitted int
}

func (c *captureSubmitter) Submit(scope, name string, payload []byte) error {
	c.submitted++
	return nil
}

func TestSubmitRateLimitExactCounts(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	submitter := &captureSubmitter{}
	dropped := 0
	r := New(
		WithSubmitter(submitter),
		WithRateLimit(20),
		WithDropFunc(func(scope, name string, payload []byte) { dropped++ }),
		WithClock(func() time.Time { return fixed }),
	)

	rejected := 0
	for i := 0; i < 1000; i++ {
		if err := r.Submit("game", "move", nil); err != nil {
			if !errors.IsCode(err, errors.CodeRateLimitExceeded) {
				t.Fatalf("err = %v, want %s", err, errors.CodeRateLimitExceeded)
			}
			rejected++
		}
	}

	if submitter.submitted != 20 {
		t.Fatalf("accepted = %d, want 20", submitter.submitted)
	}
	if rejected != 980 {
		t.Fatalf("rejected = %d, want 980", rejected)
	}
	if dropped != 980 {
		t.Fatalf("drop signals = %d, want 980", dropped)
	}
}

func TestSubmitWithoutSubmitter(t *testing.T) {
	r := New()
	if err := r.Submit("game", "move", nil); !errors.IsCode(err, errors.CodeTransportDisconnect) {
		t.Fatalf("err = %v, want %s", err, errors.CodeTransportDisconnect)
	}
}

func TestSubmitValidatesScopeAndName(t *testing.T) {
	r := New(WithSubmitter(&captureSubmitter{}))
	if err := r.Submit("", "move", nil); !errors.IsCode(err, errors.CodeScopeEmpty) {
		t.Fatalf("err = %v, want %s", err, errors.CodeScopeEmpty)
	}
}
