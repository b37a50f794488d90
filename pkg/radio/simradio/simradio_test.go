package simradio

import (
	"context"
	"testing"
	"time"

	"github.com/repeatercore/wifirepeater/pkg/radio"
)

func TestConnectEmitsConnectedEvent(t *testing.T) {
	d := New(radio.HardwareAddr{1, 2, 3, 4, 5, 6}, nil)
	go func() { _ = d.Connect(context.Background()) }()

	select {
	case evt := <-d.Events():
		if evt.Kind != radio.EventSTAConnected {
			t.Fatalf("expected connected event, got %v", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for connected event")
	}
}

func TestFailNextConnectReturnsError(t *testing.T) {
	d := New(radio.HardwareAddr{}, nil)
	d.FailNextConnect()
	if err := d.Connect(context.Background()); err == nil {
		t.Fatalf("expected simulated connect failure")
	}
}

func TestSimulateClientJoinUpdatesAPClients(t *testing.T) {
	d := New(radio.HardwareAddr{}, nil)
	mac := radio.HardwareAddr{0xaa, 0, 0, 0, 0, 1}
	go d.SimulateClientJoin(mac, 1)

	evt := <-d.Events()
	if evt.Kind != radio.EventAPClientJoin || evt.ClientMAC != mac {
		t.Fatalf("unexpected event: %+v", evt)
	}
	clients := d.APClients()
	if len(clients) != 1 || clients[0] != mac {
		t.Fatalf("expected client list to contain joined client")
	}
}

func TestDeliverAPFrameInvokesIngress(t *testing.T) {
	d := New(radio.HardwareAddr{}, nil)
	d.RegisterIngress("ap", func(buf radio.Buffer) {
		buf.Deliver()
	})
	delivered, freed := d.DeliverAPFrame([]byte{1, 2, 3})
	if !delivered || freed {
		t.Fatalf("expected frame to be delivered, not freed")
	}
}
