package domain

import "testing"

func TestPairKey_Unordered(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Fatal("pair key must be order-independent")
	}
	if PairKey("alice", "bob") != "alice:bob" {
		t.Fatalf("unexpected pair key: %s", PairKey("alice", "bob"))
	}
}

func TestStatusActive(t *testing.T) {
	if !StatusPending.Active() || !StatusAccepted.Active() {
		t.Fatal("pending and accepted are active")
	}
	if StatusRejected.Active() {
		t.Fatal("rejected is not active")
	}
}

func TestKindValid(t *testing.T) {
	for _, k := range []RequestKind{KindDisclosure, KindScheduledCall, KindDirectMessage} {
		if !k.Valid() {
			t.Fatalf("%s should be valid", k)
		}
	}
	if RequestKind("poke").Valid() {
		t.Fatal("unknown kind should be invalid")
	}
}

func TestCounterparty(t *testing.T) {
	r := &Request{SenderID: "a", ReceiverID: "b"}
	if r.Counterparty("a") != "b" || r.Counterparty("b") != "a" {
		t.Fatal("counterparty should return the other side")
	}
	if r.Counterparty("c") != "" {
		t.Fatal("stranger has no counterparty")
	}
	if !r.Involves("a") || !r.Involves("b") || r.Involves("c") {
		t.Fatal("involves mismatch")
	}
}
