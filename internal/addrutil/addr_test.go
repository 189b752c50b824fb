package addrutil

import (
	"errors"
	"testing"
)

func TestCollectorAddr_FillsDefaultPort(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"10.0.0.5":             "10.0.0.5:8888",
		" collector.lan ":      "collector.lan:8888",
		"10.0.0.5:9000":        "10.0.0.5:9000",
		"udp://10.0.0.5:9000/": "10.0.0.5:9000",
		"2001:db8::1":          "[2001:db8::1]:8888",
		"[2001:db8::1]:9000":   "[2001:db8::1]:9000",
	}
	for in, want := range cases {
		got, err := CollectorAddr(in, 8888)
		if err != nil || got != want {
			t.Fatalf("%q: got=%q err=%v", in, got, err)
		}
	}
}

func TestCollectorAddr_UnbracketedIPv6HostPort(t *testing.T) {
	t.Parallel()

	// Ambiguous input: the whole string is a valid address, so no port is peeled.
	got, err := CollectorAddr("2001:db8::1:9000", 8888)
	if err != nil {
		t.Fatalf("CollectorAddr: %v", err)
	}
	if got != "[2001:db8::1:9000]:8888" {
		t.Fatalf("addr=%q", got)
	}
	got, err = CollectorAddr("2001:db8:0:0:0:0:0:1:9000", 8888)
	if err != nil || got != "[2001:db8::1]:9000" {
		t.Fatalf("nine groups=%q err=%v", got, err)
	}
	got, err = CollectorAddr("fe80::1%eth0", 8888)
	if err != nil || got != "[fe80::1%eth0]:8888" {
		t.Fatalf("zoned addr=%q err=%v", got, err)
	}
}

func TestCollectorAddr_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := CollectorAddr("  ", 8888); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err=%v", err)
	}
	for _, in := range []string{":9000", "host:port", "host:70000"} {
		if _, err := CollectorAddr(in, 8888); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}
