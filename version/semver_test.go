package version

import "testing"

func TestCompare(t *testing.T) {
	tests := []struct {
		a        string
		b        string
		expected int
	}{
		{"1.2.3", "1.2.3", 0},
		{"v1.2.3", "1.2.3", 0},
		{"1.3", "1.3.0", 0},
		{"0", "0.0.0", 0},
		{"0", "1.2", -1},
		{"1.3", "2.0.0", -1},
		{"1.4", "1.4.2", -1},
		{"1.4.2", "1.4", 1},
		{"1.10", "1.9", 1},
		{"2.0.1", "2.0.2", -1},
		{"2.1.0", "2.0.2", 1},
		{"1.2.3-beta.1", "1.2.3", -1}, // pre-release < release
		{"1.2.3", "1.2.3-beta.1", 1},
		{"1.2.3", "1.2.3-beta.n", 1},
		{"1.2.3-beta.1", "1.2.3-beta.2", -1},
		{"1.2.3-alpha.1", "1.2.3-beta.1", -1},
		{"1.2.3-beta.1", "1.2.3-rc.1", -1},
		{"1.2.3-alpha.1", "1.2.3-rc1", 1},
	}

	for _, test := range tests {
		result, err := Compare(test.a, test.b)
		if err != nil {
			t.Fatalf("failed to compare %q and %q: %v", test.a, test.b, err)
		} else if result != test.expected {
			t.Errorf("expected %d for comparison of %q and %q, got %d", test.expected, test.a, test.b, result)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "v", "1.2.3.4", "a.b", "1..2", "-beta.1", "70000"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("expected error parsing %q", s)
		}
	}
}

func TestString(t *testing.T) {
	if s := MustParse("1.3").String(); s != "1.3.0" {
		t.Fatalf("expected 1.3.0, got %q", s)
	} else if s := MustParse("v2.0.0-Beta.1").String(); s != "2.0.0-beta.1" {
		t.Fatalf("expected 2.0.0-beta.1, got %q", s)
	} else if !MustParse("0").IsZero() {
		t.Fatal("expected zero version")
	}
}
