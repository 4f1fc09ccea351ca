package primitives

import "testing"

func TestRIDEquals(t *testing.T) {
	a := NewRID(3, 7)
	b := NewRID(3, 7)
	c := NewRID(3, 8)

	if !a.Equals(b) {
		t.Error("identical RIDs not equal")
	}
	if a.Equals(c) {
		t.Error("different slots compared equal")
	}
	if a.Equals(NewRID(4, 7)) {
		t.Error("different pages compared equal")
	}
}

func TestRIDSerializeRoundTrip(t *testing.T) {
	rid := NewRID(1<<20, 42)

	buf := make([]byte, RIDSize)
	rid.Serialize(buf)
	got := DeserializeRID(buf)

	if !got.Equals(rid) {
		t.Fatalf("round trip = %v, want %v", got, rid)
	}
}

func TestRIDString(t *testing.T) {
	if s := NewRID(5, 2).String(); s != "RID(5:2)" {
		t.Errorf("String() = %q", s)
	}
}
