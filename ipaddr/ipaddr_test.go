package ipaddr_test

import (
	"testing"

	"github.com/m-lab/netstack/ipaddr"
)

func TestParseAndString(t *testing.T) {
	a, err := ipaddr.Parse("192.168.1.10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := a.String(); got != "192.168.1.10" {
		t.Errorf("String() = %q, want 192.168.1.10", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"1.2.3", "1.2.3.4.5", "1.2.3.256", "a.b.c.d"} {
		if _, err := ipaddr.Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestSameSubnet(t *testing.T) {
	mask := ipaddr.MustParse("255.255.255.0")
	a := ipaddr.MustParse("192.168.1.10")
	b := ipaddr.MustParse("192.168.1.200")
	c := ipaddr.MustParse("192.168.2.10")
	if !a.SameSubnet(b, mask) {
		t.Error("expected a, b in same subnet")
	}
	if a.SameSubnet(c, mask) {
		t.Error("expected a, c in different subnets")
	}
}

func TestDirectedBroadcast(t *testing.T) {
	net := ipaddr.MustParse("192.168.1.0")
	mask := ipaddr.MustParse("255.255.255.0")
	bc := ipaddr.MustParse("192.168.1.255")
	if !bc.IsDirectedBroadcast(net, mask) {
		t.Error("expected .255 to be the directed broadcast")
	}
	notBc := ipaddr.MustParse("192.168.1.1")
	if notBc.IsDirectedBroadcast(net, mask) {
		t.Error("expected .1 not to be the directed broadcast")
	}
}

func TestUint32RoundTrip(t *testing.T) {
	a := ipaddr.MustParse("10.0.0.1")
	if got := ipaddr.FromUint32(a.Uint32()); got != a {
		t.Errorf("round trip failed: got %v want %v", got, a)
	}
}
