package trackhash

import "testing"

func tuples(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestNamespaceDeterministic(t *testing.T) {
	ns := tuples("a", "b")
	h1 := Namespace(ns)
	h2 := Namespace(tuples("a", "b"))
	if h1 != h2 {
		t.Fatalf("Namespace not deterministic: %d != %d", h1, h2)
	}
}

func TestNamespaceOrderSensitive(t *testing.T) {
	if Namespace(tuples("a", "b")) == Namespace(tuples("b", "a")) {
		t.Fatal("Namespace should depend on tuple order")
	}
}

func TestNamespacePrefixEqualsPrefixHash(t *testing.T) {
	ns := tuples("a", "b", "c")
	if got, want := Prefix(ns, 2), Namespace(ns[:2]); got != want {
		t.Fatalf("Prefix(ns, 2) = %d, want %d (Namespace of the same prefix)", got, want)
	}
}

func TestPrefixClampsToLength(t *testing.T) {
	ns := tuples("a", "b")
	if got, want := Prefix(ns, 10), Namespace(ns); got != want {
		t.Fatalf("Prefix(ns, 10) = %d, want %d (full namespace hash)", got, want)
	}
}

func TestFullNameCombinesNamespaceAndName(t *testing.T) {
	nsHash := Namespace(tuples("a", "b"))
	nameHash := Name([]byte("track"))
	full := FullName(nsHash, nameHash)

	if full == nsHash || full == nameHash {
		t.Fatal("FullName should differ from either input hash")
	}
	if FullName(nsHash, nameHash) != full {
		t.Fatal("FullName not deterministic")
	}

	otherName := Name([]byte("other-track"))
	if FullName(nsHash, otherName) == full {
		t.Fatal("FullName should differ when the name hash differs")
	}
}

func TestNameHashesDifferentBytesDifferently(t *testing.T) {
	if Name([]byte("a")) == Name([]byte("b")) {
		t.Fatal("Name should not collide on distinct short inputs")
	}
}
