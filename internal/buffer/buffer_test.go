package buffer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/larder/internal/buffer"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
)

// periodInterpreter reports a complete command when the utterance ends with
// a period and an incomplete one otherwise.
type periodInterpreter struct {
	mu      sync.Mutex
	calls   []string
	recent  [][]inventory.RecentCommand
	err     error
	block   chan struct{}
	started chan struct{}
}

func (p *periodInterpreter) Interpret(_ context.Context, utterance string, _ []inventory.Turn, recent []inventory.RecentCommand) ([]inventory.Command, error) {
	p.mu.Lock()
	p.calls = append(p.calls, utterance)
	p.recent = append(p.recent, recent)
	block, started, err := p.block, p.started, p.err
	p.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return []inventory.Command{{
		Action:     inventory.ActionAdd,
		Item:       "milk",
		IsComplete: strings.HasSuffix(utterance, "."),
	}}, nil
}

func (p *periodInterpreter) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type recorder struct {
	mu       sync.Mutex
	complete []buffer.CompleteEvent
	errs     []string
	notify   chan struct{}
}

func newRecorder(b *buffer.Buffer) *recorder {
	r := &recorder{notify: make(chan struct{}, 16)}
	b.OnComplete(func(_ context.Context, ev buffer.CompleteEvent) {
		r.mu.Lock()
		r.complete = append(r.complete, ev)
		r.mu.Unlock()
		r.notify <- struct{}{}
	})
	b.OnError(func(_ context.Context, _ error, raw string) {
		r.mu.Lock()
		r.errs = append(r.errs, raw)
		r.mu.Unlock()
		r.notify <- struct{}{}
	})
	return r
}

func (r *recorder) events() ([]buffer.CompleteEvent, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]buffer.CompleteEvent(nil), r.complete...), append([]string(nil), r.errs...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for buffer event")
	}
}

func TestBuffer_CompleteSentence(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{}
	b := buffer.New(interp, buffer.WithSilenceTimeout(time.Hour))
	rec := newRecorder(b)

	if err := b.AddFragment(context.Background(), "Add 5 gallons of milk."); err != nil {
		t.Fatalf("AddFragment: %v", err)
	}

	complete, errs := rec.events()
	if len(complete) != 1 || len(errs) != 0 {
		t.Fatalf("complete=%d errors=%d, want 1 and 0", len(complete), len(errs))
	}
	if complete[0].Raw != "Add 5 gallons of milk." || complete[0].Trigger != buffer.TriggerHeuristic {
		t.Errorf("event = %+v", complete[0])
	}
	if got := b.Current(); got != "" {
		t.Errorf("Current() = %q, want empty", got)
	}
}

func TestBuffer_MultiPartUtterance(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{}
	b := buffer.New(interp, buffer.WithSilenceTimeout(time.Hour))
	rec := newRecorder(b)
	ctx := context.Background()

	for _, frag := range []string{"We have", "10 gallons", "of milk."} {
		if err := b.AddFragment(ctx, frag); err != nil {
			t.Fatalf("AddFragment(%q): %v", frag, err)
		}
	}

	calls := interp.Calls()
	if len(calls) != 1 {
		t.Fatalf("interpreter calls = %v, want exactly one", calls)
	}
	if calls[0] != "We have 10 gallons of milk." {
		t.Errorf("utterance = %q", calls[0])
	}
	if complete, _ := rec.events(); len(complete) != 1 {
		t.Errorf("complete events = %d, want 1", len(complete))
	}
}

func TestBuffer_IncompleteIsRetained(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{}
	b := buffer.New(interp, buffer.WithSilenceTimeout(time.Hour))
	rec := newRecorder(b)
	ctx := context.Background()

	_ = b.AddFragment(ctx, "Set the 16 ounce paper cups")
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := b.Current(); got != "Set the 16 ounce paper cups" {
		t.Fatalf("Current() after incomplete = %q", got)
	}

	_ = b.AddFragment(ctx, "to 30 sleeves.")
	complete, _ := rec.events()
	if len(complete) != 1 {
		t.Fatalf("complete events = %d, want 1", len(complete))
	}
	if complete[0].Raw != "Set the 16 ounce paper cups to 30 sleeves." {
		t.Errorf("Raw = %q", complete[0].Raw)
	}
}

func TestBuffer_ErrorKeepsText(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{err: errors.New("model unavailable")}
	b := buffer.New(interp, buffer.WithSilenceTimeout(time.Hour))
	rec := newRecorder(b)

	if err := b.AddFragment(context.Background(), "Remove 2 cases of lemons."); err != nil {
		t.Fatalf("AddFragment returned %v; failures belong to OnError", err)
	}
	complete, errs := rec.events()
	if len(complete) != 0 {
		t.Error("complete event emitted on failure")
	}
	if len(errs) != 1 || errs[0] != "Remove 2 cases of lemons." {
		t.Errorf("error events = %v", errs)
	}
	if b.Current() != "Remove 2 cases of lemons." {
		t.Errorf("buffer cleared on failure: %q", b.Current())
	}
}

func TestBuffer_SilenceTimeout(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{}
	b := buffer.New(interp, buffer.WithSilenceTimeout(200*time.Millisecond))
	rec := newRecorder(b)
	ctx := context.Background()

	_ = b.AddFragment(ctx, "add some")
	time.Sleep(10 * time.Millisecond)
	_ = b.AddFragment(ctx, "coffee.")
	rec.wait(t)

	complete, _ := rec.events()
	if complete[0].Trigger != buffer.TriggerHeuristic {
		t.Errorf("Trigger = %q", complete[0].Trigger)
	}

	_ = b.AddFragment(ctx, "add some")
	time.Sleep(10 * time.Millisecond)
	_ = b.AddFragment(ctx, "flour")

	deadline := time.After(2 * time.Second)
	for len(interp.Calls()) < 2 {
		select {
		case <-deadline:
			t.Fatal("silence timeout never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Let a wrongly rescheduled timer fire too.
	time.Sleep(300 * time.Millisecond)
	calls := interp.Calls()
	if len(calls) != 2 || calls[1] != "add some flour" {
		t.Errorf("calls = %v", calls)
	}
	if b.Current() != "add some flour" {
		t.Errorf("incomplete silence attempt must keep text, got %q", b.Current())
	}
}

func TestBuffer_CloseCancelsTimer(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{}
	b := buffer.New(interp, buffer.WithSilenceTimeout(20*time.Millisecond))

	_ = b.AddFragment(context.Background(), "add some")
	b.Close()
	b.Close()
	time.Sleep(100 * time.Millisecond)

	if n := len(interp.Calls()); n != 0 {
		t.Errorf("interpreter called %d times after Close", n)
	}
	if b.Current() != "" {
		t.Error("Close must discard buffered text")
	}
	if err := b.AddFragment(context.Background(), "more"); !errors.Is(err, buffer.ErrClosed) {
		t.Errorf("AddFragment after Close: got %v, want ErrClosed", err)
	}
}

func TestBuffer_CloseDropsInFlightResult(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{block: make(chan struct{}), started: make(chan struct{})}
	b := buffer.New(interp, buffer.WithSilenceTimeout(time.Hour))
	rec := newRecorder(b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.AddFragment(context.Background(), "Add 5 gallons of milk.")
	}()
	<-interp.started
	b.Close()
	close(interp.block)
	<-done

	if complete, errs := rec.events(); len(complete)+len(errs) != 0 {
		t.Errorf("events after Close: %d complete, %d errors", len(complete), len(errs))
	}
}

func TestBuffer_ContextSource(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{}
	recent := []inventory.RecentCommand{{Action: inventory.ActionAdd, Item: "coffee", Quantity: 5, Unit: "pounds"}}
	b := buffer.New(interp, buffer.WithContextSource(func() ([]inventory.Turn, []inventory.RecentCommand) {
		return nil, recent
	}))

	_ = b.AddFragment(context.Background(), "add 5 more.")
	interp.mu.Lock()
	defer interp.mu.Unlock()
	if len(interp.recent) != 1 || len(interp.recent[0]) != 1 || interp.recent[0][0].Item != "coffee" {
		t.Errorf("recent commands not forwarded: %+v", interp.recent)
	}
}

func TestBuffer_ObserverMayClear(t *testing.T) {
	t.Parallel()
	interp := &periodInterpreter{err: errors.New("bad")}
	b := buffer.New(interp, buffer.WithSilenceTimeout(time.Hour))
	b.OnError(func(context.Context, error, string) { b.Clear() })

	_ = b.AddFragment(context.Background(), "nonsense.")
	if b.Current() != "" {
		t.Errorf("Current() = %q, want cleared by observer", b.Current())
	}
}

func TestBuffer_RecordsAttempts(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := buffer.New(&periodInterpreter{}, buffer.WithSilenceTimeout(time.Hour), buffer.WithMetrics(m))
	ctx := context.Background()
	_ = b.AddFragment(ctx, "add some")
	_ = b.Flush(ctx)
	_ = b.AddFragment(ctx, "milk.")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "larder.buffer.attempts" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Errorf("buffer attempts = %d, want 2", total)
	}
}

func TestLikelyComplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"Add 5 gallons of milk.", true},
		{"is that right?", true},
		{"add 5 pounds of coffee", true},
		{"Remove 2.5 kg of flour", true},
		{"We have", false},
		{"We have 10 gallons", false},
		{"Set the 16 ounce paper cups", false},
		{"add some coffee", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := buffer.LikelyComplete(tt.text); got != tt.want {
			t.Errorf("LikelyComplete(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
