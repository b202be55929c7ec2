package region

import (
	"net"
	"testing"

	"github.com/pkg/errors"
)

type fakeGeo struct {
	regions map[string][]string
	isp     map[string]string
	err     error
}

func (f *fakeGeo) Lookup(ip net.IP) ([]string, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.regions[ip.String()], f.isp[ip.String()], nil
}

func TestGateDisabledAdmitsEverything(t *testing.T) {
	g := New(nil, nil, nil)
	if g.Enabled() {
		t.Fatal("expected Enabled() to be false with no allow/deny tokens")
	}
	ok, err := g.Allowed(net.ParseIP("203.0.113.1"))
	if err != nil || !ok {
		t.Fatalf("Allowed = %v, %v; want true, nil", ok, err)
	}
}

func TestGateAllowPrecedenceOverDeny(t *testing.T) {
	geo := &fakeGeo{regions: map[string][]string{"203.0.113.1": {"US"}}}
	// A region present in both allow and deny must be admitted: allow
	// has precedence over deny per spec.md's C4 algorithm.
	g := New(geo, []string{"US"}, []string{"US"})
	ok, err := g.Allowed(net.ParseIP("203.0.113.1"))
	if err != nil || !ok {
		t.Fatalf("Allowed = %v, %v; want true, nil (allow beats deny)", ok, err)
	}
}

func TestGateDenyRejectsMatch(t *testing.T) {
	geo := &fakeGeo{regions: map[string][]string{"198.51.100.1": {"CN"}}}
	g := New(geo, nil, []string{"CN"})
	ok, err := g.Allowed(net.ParseIP("198.51.100.1"))
	if err != nil || ok {
		t.Fatalf("Allowed = %v, %v; want false, nil", ok, err)
	}
}

func TestGateAllowRejectsNonMatch(t *testing.T) {
	geo := &fakeGeo{regions: map[string][]string{"198.51.100.1": {"CN"}}}
	g := New(geo, []string{"US"}, nil)
	ok, err := g.Allowed(net.ParseIP("198.51.100.1"))
	if err != nil || ok {
		t.Fatalf("Allowed = %v, %v; want false, nil since the target isn't US", ok, err)
	}
}

func TestGateCIDRMatch(t *testing.T) {
	geo := &fakeGeo{}
	g := New(geo, nil, []string{"10.0.0.0/8"})
	ok, err := g.Allowed(net.ParseIP("10.1.2.3"))
	if err != nil || ok {
		t.Fatalf("Allowed = %v, %v; want false, nil for a denied CIDR", ok, err)
	}
	ok, err = g.Allowed(net.ParseIP("203.0.113.5"))
	if err != nil || !ok {
		t.Fatalf("Allowed = %v, %v; want true, nil outside the denied CIDR", ok, err)
	}
}

func TestGateLookupFailureFailsClosedWithDenyOrAllowList(t *testing.T) {
	geo := &fakeGeo{err: errors.New("lookup unavailable")}

	denyGate := New(geo, nil, []string{"CN"})
	ok, err := denyGate.Allowed(net.ParseIP("203.0.113.9"))
	if err == nil || ok {
		t.Fatalf("expected a deny-configured gate to fail closed on lookup error, got ok=%v err=%v", ok, err)
	}

	allowGate := New(geo, []string{"US"}, nil)
	ok, err = allowGate.Allowed(net.ParseIP("203.0.113.9"))
	if err == nil || ok {
		t.Fatalf("expected an allow-configured gate to reject on lookup error too, got ok=%v err=%v", ok, err)
	}
}

func TestGateCachesLookupResult(t *testing.T) {
	calls := 0
	geo := &countingGeo{fakeGeo: fakeGeo{regions: map[string][]string{"203.0.113.1": {"US"}}}, calls: &calls}
	g := New(geo, []string{"US"}, nil)

	for i := 0; i < 3; i++ {
		if _, err := g.Allowed(net.ParseIP("203.0.113.1")); err != nil {
			t.Fatalf("Allowed: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly one underlying Lookup call due to caching, got %d", calls)
	}
}

type countingGeo struct {
	fakeGeo
	calls *int
}

func (c *countingGeo) Lookup(ip net.IP) ([]string, string, error) {
	*c.calls++
	return c.fakeGeo.Lookup(ip)
}
