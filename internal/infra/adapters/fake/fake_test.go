package fake

import (
	"context"
	"testing"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/source"
)

func TestWalkIsDeterministicPerSeed(t *testing.T) {
	a := New("mock", Config{Seed: 7}, source.Options{Symbols: []string{"BTC"}})
	b := New("mock", Config{Seed: 7}, source.Options{Symbols: []string{"BTC"}})
	for i := 0; i < 20; i++ {
		va, err := a.Poll(context.Background(), []string{"BTC"})
		if err != nil {
			t.Fatalf("poll a: %v", err)
		}
		vb, _ := b.Poll(context.Background(), []string{"BTC"})
		if !va["BTC"].Equal(vb["BTC"]) {
			t.Fatalf("step %d diverged: %s vs %s", i, va["BTC"], vb["BTC"])
		}
		if !va["BTC"].IsPositive() {
			t.Fatalf("price must stay positive, got %s", va["BTC"])
		}
	}
}

func TestPollSkipsUnknownSymbols(t *testing.T) {
	a := New("mock", Config{BasePrices: map[string]float64{"pepe": 0.00001}}, source.Options{})
	values, err := a.Poll(context.Background(), []string{"PEPE", "NOPE"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, ok := values["PEPE"]; !ok {
		t.Fatal("expected configured base price to be served")
	}
	if _, ok := values["NOPE"]; ok {
		t.Fatal("unknown symbol must be skipped")
	}
}

func TestFailEverySimulatesOutage(t *testing.T) {
	a := New("mock", Config{FailEvery: 2}, source.Options{})
	if _, err := a.Poll(context.Background(), []string{"BTC"}); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if _, err := a.Poll(context.Background(), []string{"BTC"}); !errs.Is(err, errs.CodeUpstreamUnavailable) {
		t.Fatalf("expected simulated outage, got %v", err)
	}
}

func TestFactoryParsesBasePrices(t *testing.T) {
	adapter, err := Factory(context.Background(), source.Spec{ID: "mock", Config: map[string]any{
		"seed":       3,
		"basePrices": map[string]any{"btc": 100},
	}}, source.Options{Symbols: []string{"BTC"}})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	var got []source.Event
	if err := adapter.Start(context.Background(), func(evt source.Event) { got = append(got, evt) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(got) != 1 || len(got[0].Ticks) != 1 {
		t.Fatalf("unexpected events %+v", got)
	}
	v := got[0].Ticks[0].Value.InexactFloat64()
	if v < 90 || v > 110 {
		t.Fatalf("expected price near configured base, got %v", v)
	}
}
