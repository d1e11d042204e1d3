package relay

import "testing"

func TestParseRelayURIDefaultsPortAndTarget(t *testing.T) {
	host, port, target, err := parseRelayURI("ws://relay-host")
	if err != nil {
		t.Fatal(err)
	}
	if host != "relay-host" || port != "80" || target != "/" {
		t.Fatalf("got host=%q port=%q target=%q", host, port, target)
	}
}

func TestParseRelayURIKeepsExplicitPortAndPath(t *testing.T) {
	host, port, target, err := parseRelayURI("ws://relay-host:9001/cubes")
	if err != nil {
		t.Fatal(err)
	}
	if host != "relay-host" || port != "9001" || target != "/cubes" {
		t.Fatalf("got host=%q port=%q target=%q", host, port, target)
	}
}

func TestParseRelayURIKeepsQueryString(t *testing.T) {
	_, _, target, err := parseRelayURI("ws://relay-host/cubes?token=abc")
	if err != nil {
		t.Fatal(err)
	}
	if target != "/cubes?token=abc" {
		t.Fatalf("got target=%q", target)
	}
}

func TestParseRelayURIRejectsWSS(t *testing.T) {
	if _, _, _, err := parseRelayURI("wss://relay-host"); err == nil {
		t.Fatal("expected wss:// to be rejected")
	}
}

func TestParseRelayURIRejectsMissingScheme(t *testing.T) {
	if _, _, _, err := parseRelayURI("relay-host:9001"); err == nil {
		t.Fatal("expected a URI without ws:// to be rejected")
	}
}

func TestParseRelayURIRejectsBadPort(t *testing.T) {
	if _, _, _, err := parseRelayURI("ws://relay-host:abc"); err == nil {
		t.Fatal("expected a non-numeric port to be rejected")
	}
}

func TestNewConnectionStartsStopped(t *testing.T) {
	conn, err := NewConnection(ConnectionOptions{RelayID: "r1", URI: "ws://relay-host"})
	if err != nil {
		t.Fatal(err)
	}
	if conn.state != Stopped {
		t.Fatalf("expected initial state Stopped, got %v", conn.state)
	}
	if conn.RelayID() != "r1" {
		t.Fatalf("expected RelayID r1, got %s", conn.RelayID())
	}
}

func TestNewConnectionRejectsBadURI(t *testing.T) {
	if _, err := NewConnection(ConnectionOptions{RelayID: "r1", URI: "wss://relay-host"}); err == nil {
		t.Fatal("expected NewConnection to reject a wss:// URI eagerly")
	}
}

func TestConnStateString(t *testing.T) {
	cases := map[ConnState]string{
		Stopped:    "stopped",
		Connecting: "connecting",
		Connected:  "connected",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: got %q, want %q", state, got, want)
		}
	}
}
