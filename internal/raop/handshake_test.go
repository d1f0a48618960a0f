package raop

import "testing"

func TestParseTransportPorts(t *testing.T) {
	transport := "RTP/AVP/UDP;unicast;server_port=6001;control_port=6002;timing_port=6003"
	server, control, timing, err := parseTransportPorts(transport)
	if err != nil {
		t.Fatal(err)
	}
	if server != 6001 || control != 6002 || timing != 6003 {
		t.Fatalf("got (%d,%d,%d), want (6001,6002,6003)", server, control, timing)
	}
}

func TestParseTransportPortsMissingServerPort(t *testing.T) {
	if _, _, _, err := parseTransportPorts("RTP/AVP/UDP;unicast"); err == nil {
		t.Fatal("expected error when server_port is absent")
	}
}
