package refhash

import "testing"

func TestUndefinedOmittedLikeAbsent(t *testing.T) {
	withUndefined := map[string]any{"a": float64(1), "b": Undefined{}}
	withoutB := map[string]any{"a": float64(1)}

	h1, err := Of(withUndefined)
	if err != nil {
		t.Fatalf("hash with undefined field: %v", err)
	}
	h2, err := Of(withoutB)
	if err != nil {
		t.Fatalf("hash without field: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hashes, got %s != %s", h1, h2)
	}
}

func TestNullDistinctFromUndefined(t *testing.T) {
	withNull := map[string]any{"a": float64(1), "b": nil}
	withoutB := map[string]any{"a": float64(1)}

	h1, _ := Of(withNull)
	h2, _ := Of(withoutB)
	if h1 == h2 {
		t.Fatal("expected null field to change the hash relative to an absent field")
	}
}

func TestKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"x": "1", "y": "2", "z": "3"}
	b := map[string]any{"z": "3", "x": "1", "y": "2"}

	h1, _ := Of(a)
	h2, _ := Of(b)
	if h1 != h2 {
		t.Fatal("expected map key order not to affect the hash")
	}
}

func TestEqualInputsProduceEqualHashes(t *testing.T) {
	v := map[string]any{"n": float64(42), "s": "hello", "arr": []any{float64(1), float64(2)}}
	h1, err := Of(v)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Of(v)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("expected deterministic hashing of identical input")
	}
}

func TestDifferentValuesProduceDifferentHashes(t *testing.T) {
	h1, _ := Of(map[string]any{"a": float64(1)})
	h2, _ := Of(map[string]any{"a": float64(2)})
	if h1 == h2 {
		t.Fatal("expected distinct hashes for distinct values")
	}
}

func TestIntegralFloatMatchesIntEncoding(t *testing.T) {
	h1, _ := Of(float64(5))
	h2, _ := Of(5)
	if h1 != h2 {
		t.Fatal("expected float64(5) and int(5) to hash identically")
	}
}

func TestLinkRoundTrip(t *testing.T) {
	ref := MustOf(map[string]any{"a": "b"})
	link := ToLink(ref)
	if link.Hash != ref {
		t.Fatal("ToLink lost the hash")
	}
	if back := FromLink(link); back != ref {
		t.Fatal("FromLink did not round-trip")
	}

	obj := AsLinkObject(ref)
	parsed, ok := ParseLinkObject(obj)
	if !ok {
		t.Fatal("expected link object to parse")
	}
	if parsed != ref {
		t.Fatal("ParseLinkObject did not recover the original ref")
	}
}

func TestParseLinkObjectRejectsNonLink(t *testing.T) {
	if _, ok := ParseLinkObject(map[string]any{"a": "b"}); ok {
		t.Fatal("expected non-link object to be rejected")
	}
	if _, ok := ParseLinkObject("not a map"); ok {
		t.Fatal("expected non-map value to be rejected")
	}
}
