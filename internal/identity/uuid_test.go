package identity

import "testing"

func TestStringToUUID_KnownVectors(t *testing.T) {
	cases := map[string]string{
		"m1":          "ae23b94c-caf7-0433-be4c-e5ba99ef3dc2",
		"0xAAA":       "8aea1bf5-27b5-07b7-91c3-4bd1150aa9e0",
		"g1":          "a46e558d-11cb-0400-bab0-9c1ca969e615",
		"hello world": "f0355dd5-2823-054c-ae66-a0b12842c215",
		"Eliza":       "b850bc30-45f8-0041-a00a-83df46d8555d",
		"ünï/?&":      "bfa70968-5fdf-0ebe-b12c-374fb4cec280",
	}
	for in, want := range cases {
		if got := StringToUUID(in).String(); got != want {
			t.Errorf("StringToUUID(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestStringToUUID_Deterministic(t *testing.T) {
	a := StringToUUID("0x1234abcd")
	b := StringToUUID("0x1234abcd")
	if a != b {
		t.Fatalf("expected identical ids, got %s and %s", a, b)
	}
}

func TestStringToUUID_DistinctInputs(t *testing.T) {
	seen := make(map[string]string)
	for _, s := range []string{"", "a", "b", "A", "a ", "group-1", "group-2"} {
		id := StringToUUID(s).String()
		if prev, ok := seen[id]; ok {
			t.Fatalf("collision between %q and %q", prev, s)
		}
		seen[id] = s
	}
}

func TestStringToUUID_VariantBits(t *testing.T) {
	id := StringToUUID("variant-check")
	if id[6]&0xf0 != 0 {
		t.Errorf("version nibble should be cleared, got %x", id[6])
	}
	if id[8]&0xc0 != 0x80 {
		t.Errorf("variant bits should be 10, got %08b", id[8])
	}
}

func TestEncodeURIComponent(t *testing.T) {
	cases := map[string]string{
		"abc-_.!~*'()": "abc-_.!~*'()",
		"a b":          "a%20b",
		"a/b?c=d&e":    "a%2Fb%3Fc%3Dd%26e",
		"ü":            "%C3%BC",
	}
	for in, want := range cases {
		if got := encodeURIComponent(in); got != want {
			t.Errorf("encodeURIComponent(%q) = %q, want %q", in, got, want)
		}
	}
}
