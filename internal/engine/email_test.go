package engine

import (
	"strings"
	"testing"
)

func TestSanitizeEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"42_abc", "42_abc"},
		{"User Name", "user_name"},
		{"ALL-CAPS_9", "all-caps_9"},
		{"приветmir", "______mir"},
		{"a.b@c", "a_b_c"},
		{strings.Repeat("x", 100), strings.Repeat("x", 64)},
		{"", ""},
	}
	for _, c := range cases {
		if got := SanitizeEmail(c.in); got != c.want {
			t.Errorf("SanitizeEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewEmailShape(t *testing.T) {
	e := NewEmail(42)
	if !strings.HasPrefix(e, "42_") {
		t.Errorf("email %q must start with tg_id prefix", e)
	}
	if len(e) > 64 {
		t.Errorf("email %q longer than 64", e)
	}
	if e == NewEmail(42) {
		t.Error("two emails for one tg_id must differ")
	}
}

func TestSubscriptionURL(t *testing.T) {
	if got := SubscriptionURL("https://sub.example.com/", "42_abc"); got != "https://sub.example.com/42_abc" {
		t.Errorf("got %q", got)
	}
	if got := SubscriptionURL("", "42_abc"); got != "" {
		t.Errorf("empty base must give empty link, got %q", got)
	}
}
