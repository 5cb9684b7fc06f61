package tgui

import (
	"strings"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	d := Data("mod", "app", "12345", "67")
	if d != "mod:app:12345:67" {
		t.Fatalf("Data = %q", d)
	}
	ns, action, args, ok := ParseData(d)
	if !ok || ns != "mod" || action != "app" {
		t.Fatalf("ParseData = %q %q %v ok=%v", ns, action, args, ok)
	}
	if len(args) != 2 || args[0] != "12345" || args[1] != "67" {
		t.Fatalf("args = %v", args)
	}
}

func TestParseDataRejectsShort(t *testing.T) {
	t.Parallel()
	if _, _, _, ok := ParseData("justns"); ok {
		t.Fatal("single segment should not parse")
	}
}

func TestCallbackDataFitsLimit(t *testing.T) {
	t.Parallel()
	// Worst case: namespace, action, max int64 sender, large message id, arg.
	d := Data("mod", "time", "-9223372036854775808", "2147483647", "3")
	if len(d) > MaxCallbackDataLen {
		t.Fatalf("len = %d, exceeds %d", len(d), MaxCallbackDataLen)
	}
}

func TestEsc(t *testing.T) {
	t.Parallel()
	if got := Esc(`<b>&"`); got != H("&lt;b&gt;&amp;&#34;") {
		t.Fatalf("Esc = %q", got)
	}
	if got := B("x<y"); got != H("<b>x&lt;y</b>") {
		t.Fatalf("B = %q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello…"},
		{"héllö wörld", 5, "héllö…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
	if strings.Contains(TruncRunes("ab", 2), "…") {
		t.Fatal("exact length must not be truncated")
	}
}
