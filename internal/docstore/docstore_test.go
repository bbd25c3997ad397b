package docstore

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestCanonicalizeRoundTrips(t *testing.T) {
	input := json.RawMessage(`{"b":2,"a":1,"nested":{"z":true,"y":[3,2,1]}}`)

	canon, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}

	var got, want interface{}
	if err := json.Unmarshal(canon, &got); err != nil {
		t.Fatalf("unmarshal canonicalized: %v", err)
	}
	if err := json.Unmarshal(input, &want); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("canonicalize changed meaning: got %v want %v", got, want)
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	a := json.RawMessage(`{"b":2,"a":1}`)
	b := json.RawMessage(`{"a":1,"b":2}`)

	canonA, err := Canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	canonB, err := Canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(canonA) != string(canonB) {
		t.Errorf("logically equal docs canonicalized differently: %q vs %q", canonA, canonB)
	}
}

func TestFatDocFileName(t *testing.T) {
	tests := []struct {
		typ  DocType
		want string
	}{
		{TypeJSON, "abc.json"},
		{TypeText, "abc.txt"},
		{TypeBinary, "abc.bin"},
	}
	for _, tt := range tests {
		d := FatDoc{ID: "abc", Type: tt.typ}
		if got := d.FileName(); got != tt.want {
			t.Errorf("FileName() for %s = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
