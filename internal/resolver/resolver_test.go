package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/miekg/dns"
)

var zone = map[string][]dns.RR{
	"relay.example.": {
		mustRR("relay.example. 60 IN A 192.0.2.10"),
		mustRR("relay.example. 60 IN AAAA 2001:db8::10"),
	},
	"v4.example.": {
		mustRR("v4.example. 60 IN A 192.0.2.20"),
		mustRR("v4.example. 60 IN A 192.0.2.21"),
	},
	"cname.example.": {
		mustRR("cname.example. 60 IN CNAME v4.example."),
		mustRR("v4.example. 60 IN A 192.0.2.20"),
	},
}

func mustRR(s string) dns.RR {
	rr, err := dns.NewRR(s)
	if err != nil {
		panic(err)
	}
	return rr
}

// startNameserver serves zone on a loopback UDP port.
func startNameserver(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			rrs, ok := zone[q.Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
			}
			for _, rr := range rrs {
				if rr.Header().Rrtype == q.Qtype || rr.Header().Rrtype == dns.TypeCNAME {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("nameserver did not start")
	}
	return pc.LocalAddr().String()
}

func TestLookupNetIP(t *testing.T) {
	r, err := New(startNameserver(t), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		network string
		host    string
		want    []string
	}{
		{name: "both families, v4 first", network: "ip", host: "relay.example", want: []string{"192.0.2.10", "2001:db8::10"}},
		{name: "v4 only", network: "ip4", host: "relay.example", want: []string{"192.0.2.10"}},
		{name: "v6 only", network: "ip6", host: "relay.example", want: []string{"2001:db8::10"}},
		{name: "several records", network: "ip", host: "v4.example", want: []string{"192.0.2.20", "192.0.2.21"}},
		{name: "cname skipped", network: "ip4", host: "cname.example", want: []string{"192.0.2.20"}},
		{name: "ip literal", network: "ip", host: "198.51.100.7", want: []string{"198.51.100.7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addrs, err := r.LookupNetIP(context.Background(), tt.network, tt.host)
			if err != nil {
				t.Fatal(err)
			}
			var want []netip.Addr
			for _, s := range tt.want {
				want = append(want, netip.MustParseAddr(s))
			}
			if !reflect.DeepEqual(addrs, want) {
				t.Fatalf("got %v want %v", addrs, want)
			}
		})
	}
}

func TestLookupNetIPNotFound(t *testing.T) {
	r, err := New(startNameserver(t), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	for _, host := range []string{"example.invalid", "v4.example"} {
		network := "ip"
		if host == "v4.example" {
			// exists, but has no AAAA records
			network = "ip6"
		}
		_, err := r.LookupNetIP(context.Background(), network, host)
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			t.Fatalf("%s: expected not-found DNSError, got %v", host, err)
		}
	}
}

func TestLookupNetIPUnreachableServer(t *testing.T) {
	// nothing answers on this port
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()

	r, err := New(addr, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.LookupNetIP(context.Background(), "ip4", "relay.example")
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) || dnsErr.IsNotFound {
		t.Fatalf("expected a non not-found DNSError, got %v", err)
	}
}

func TestNew(t *testing.T) {
	r, err := New("192.0.2.53", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if r.server != "192.0.2.53:53" {
		t.Fatalf("server %q", r.server)
	}

	r, err = New("[2001:db8::53]:5353", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if r.server != "[2001:db8::53]:5353" {
		t.Fatalf("server %q", r.server)
	}

	if _, err := New("", time.Second); err == nil {
		t.Fatal("expected error for empty nameserver")
	}
}

func TestLookupNetIPBadNetwork(t *testing.T) {
	r, err := New("127.0.0.1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.LookupNetIP(context.Background(), "tcp", "relay.example"); err == nil {
		t.Fatal("expected error")
	}
}
