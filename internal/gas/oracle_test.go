package gas

import (
	"context"
	"testing"
	"time"
)

func TestNewPriceOracle_SeedsFallbackPrice(t *testing.T) {
	o := NewPriceOracle(2500.0, time.Hour)
	if o.price != 2500.0 {
		t.Errorf("expected initial price to seed from the fallback, got %v", o.price)
	}
}

func TestPriceOracle_FallsBackWhenFetchFails(t *testing.T) {
	o := NewPriceOracle(2500.0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := o.GetETHPrice(ctx)
	if got != 2500.0 {
		t.Errorf("expected a failed fetch to fall back to the seed price, got %v", got)
	}
}

func TestPriceOracle_ServesCachedPriceWithinTTL(t *testing.T) {
	o := NewPriceOracle(2500.0, time.Hour)
	o.price = 3000.0
	o.lastUpdate = time.Now()

	got := o.GetETHPrice(context.Background())
	if got != 3000.0 {
		t.Errorf("expected the cached price within TTL, got %v", got)
	}
}
