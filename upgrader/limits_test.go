package upgrader

import "testing"

func TestLimitsFor(t *testing.T) {
	tests := []struct {
		count         int
		subscriptions int
		hooks         int
	}{
		{0, 50, 250},
		{1000, 50, 250},
		{1500, 50, 250},
		{1501, 30, 150},
		{3000, 30, 150},
		{5000, 30, 150},
		{6000, 20, 100},
		{1000000, 20, 100},
	}
	for _, test := range tests {
		limits := LimitsFor(test.count)
		if limits.Subscriptions != test.subscriptions || limits.Hooks != test.hooks {
			t.Fatalf("count %d: expected %d/%d, got %d/%d", test.count, test.subscriptions, test.hooks, limits.Subscriptions, limits.Hooks)
		}
	}

	// limits never increase as the count grows
	prev := LimitsFor(0)
	for n := 0; n <= 20000; n += 250 {
		limits := LimitsFor(n)
		if limits.Subscriptions > prev.Subscriptions || limits.Hooks > prev.Hooks {
			t.Fatalf("limits increased at %d: %+v > %+v", n, limits, prev)
		}
		prev = limits
	}
}
