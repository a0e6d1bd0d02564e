package broadcast

import "testing"

func TestParseMethod(t *testing.T) {
	for _, m := range Methods() {
		got, err := ParseMethod(string(m))
		if err != nil || got != m {
			t.Fatalf("ParseMethod(%q) = %v, %v", m, got, err)
		}
	}
	if _, err := ParseMethod("bogus"); err == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestIsActivity(t *testing.T) {
	if MethodStart.IsActivity() {
		t.Fatal("start must not count as activity")
	}
	for _, m := range Methods() {
		if m == MethodStart {
			continue
		}
		if !m.IsActivity() {
			t.Fatalf("%s should count as activity", m)
		}
	}
}
