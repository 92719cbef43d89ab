package udp

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
)

func TestConcurrent_EphemeralBindsDistinct(t *testing.T) {
	ts := newTestStackWith(t, DefaultOptions(), smallPorts(40000, 40999))

	const workers, perWorker = 8, 50
	ports := make(chan uint16, workers*perWorker)
	errs := make(chan error, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		family := FamilyIPv4
		if w%2 == 1 {
			family = FamilyIPv6
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ep, err := ts.NewEndpoint(family, EndpointConfig{})
				if err != nil {
					errs <- err
					return
				}
				if err := ep.Bind(netip.Addr{}, 0, 0); err != nil {
					errs <- err
					continue
				}
				ports <- ep.LocalAddr().Port()
			}
		}()
	}
	wg.Wait()
	close(ports)
	close(errs)

	for err := range errs {
		t.Errorf("Bind() error = %v", err)
	}
	seen := make(map[uint16]bool)
	for p := range ports {
		if p < 40000 || p > 40999 {
			t.Errorf("port %d outside anonymous range", p)
		}
		if seen[p] {
			t.Errorf("port %d handed out twice", p)
		}
		seen[p] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("distinct ports = %d, want %d", len(seen), workers*perWorker)
	}
}

func TestConcurrent_LifecycleWithDelivery(t *testing.T) {
	ts := newTestStack(t)
	rx := ts.open(t, FamilyIPv4)
	mustBind(t, rx, "10.0.0.2", 6000)
	data := ts.capture(t, ts.sender4(t), "10.0.0.2:6000", "hello")
	baseline := len(ts.Endpoints())

	const workers, rounds = 8, 100
	errs := make(chan error, workers*rounds)
	stop := make(chan struct{})

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			pkt := &InboundPacket{Data: append([]byte(nil), data...)}
			if err := ts.DeliverPacket(pkt); err != nil {
				errs <- err
				return
			}
			_ = ts.Bound(6000)
			_ = ts.Endpoints()
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		family := FamilyIPv4
		peer := "10.0.0.2"
		if w%2 == 1 {
			family = FamilyIPv6
			peer = "::ffff:10.0.0.2"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				ep, err := ts.NewEndpoint(family, EndpointConfig{})
				if err != nil {
					errs <- err
					return
				}
				steps := []func() error{
					func() error { return ep.Bind(netip.Addr{}, 0, 0) },
					func() error { return ep.Connect(Destination{Addr: netip.MustParseAddr(peer), Port: 6000}) },
					func() error { return ep.Send(nil, []byte("x"), nil) },
					ep.Disconnect,
					ep.Unbind,
					ep.Unbind,
					ep.Close,
				}
				for _, step := range steps {
					if err := step(); err != nil {
						errs <- err
						break
					}
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent operation error = %v", err)
	}
	if got := len(ts.Endpoints()); got != baseline {
		t.Errorf("open endpoints = %d, want %d", got, baseline)
	}
	if got := ts.Bound(6000); len(got) != 1 || got[0].ID != rx.ID() {
		t.Errorf("Bound(6000) = %+v, want only the receiver", got)
	}
	for _, d := range ts.up.got() {
		if d.ep != rx {
			t.Fatalf("datagram delivered to endpoint %d, want receiver %d", d.ep.ID(), rx.ID())
		}
	}
}

func TestConcurrent_DeliveryWhileClosing(t *testing.T) {
	ts := newTestStack(t)
	data := ts.capture(t, ts.sender4(t), "10.0.0.2:6000", "hello")

	const workers, rounds = 4, 100
	var delivered, noPort int
	stop := make(chan struct{})
	unexpected := make(chan error, 1)

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			err := ts.DeliverPacket(&InboundPacket{Data: append([]byte(nil), data...)})
			switch {
			case err == nil:
				delivered++
			case dropReason(err) == DropNoPort:
				noPort++
			default:
				select {
				case unexpected <- err:
				default:
				}
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		addr := "10.0.0.2"
		if w%2 == 1 {
			addr = "0.0.0.0"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				ep, err := ts.NewEndpoint(FamilyIPv4, EndpointConfig{})
				if err != nil {
					return
				}
				// Workers share the port; a bind may lose to another one.
				if err := ep.Bind(netip.MustParseAddr(addr), 6000, BindExactPort); err != nil && !errors.Is(err, ErrAddressInUse) {
					t.Errorf("Bind() error = %v", err)
				}
				if i%2 == 0 {
					_ = ep.Unbind()
				}
				_ = ep.Close()
			}
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()

	select {
	case err := <-unexpected:
		t.Fatalf("DeliverPacket() error = %v", err)
	default:
	}
	if got := ts.Bound(6000); len(got) != 0 {
		t.Errorf("Bound(6000) = %+v, want empty", got)
	}
	if delivered+noPort == 0 {
		t.Error("no datagrams classified")
	}
	for _, d := range ts.up.got() {
		if string(d.msg.Payload) != "hello" {
			t.Errorf("Payload = %q, want %q", d.msg.Payload, "hello")
		}
	}
}
