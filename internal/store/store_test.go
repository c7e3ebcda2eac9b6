package store

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"aasanpos/backend/internal/domain"
)

func TestMergeObjectOverlaysTopLevelFields(t *testing.T) {
	out, err := MergeObject(json.RawMessage(`{"name":"A","due_balance":"10"}`), json.RawMessage(`{"due_balance":"25","note":"x"}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["name"] != "A" || got["due_balance"] != "25" || got["note"] != "x" {
		t.Fatalf("unexpected merge result: %v", got)
	}

	out, err = MergeObject(nil, json.RawMessage(`{"a":"b"}`))
	if err != nil || string(out) != `{"a":"b"}` {
		t.Fatalf("expected patch on nil base, got %s err=%v", out, err)
	}
}

func TestIncrementField(t *testing.T) {
	out, err := IncrementField(json.RawMessage(`{"quantity":10,"name":"pen"}`), "quantity", -4)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	var got struct {
		Quantity int    `json:"quantity"`
		Name     string `json:"name"`
	}
	_ = json.Unmarshal(out, &got)
	if got.Quantity != 6 || got.Name != "pen" {
		t.Fatalf("unexpected result %s", out)
	}

	out, err = IncrementField(json.RawMessage(`{}`), "quantity", 3)
	if err != nil || string(out) != `{"quantity":3}` {
		t.Fatalf("expected missing field to start at zero, got %s err=%v", out, err)
	}

	if _, err := IncrementField(json.RawMessage(`{"quantity":1.5}`), "quantity", 1); !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation for non-integer, got %v", err)
	}
}

func TestValidateMutation(t *testing.T) {
	cases := []struct {
		name string
		m    domain.Mutation
		ok   bool
	}{
		{"set object", domain.Mutation{Op: domain.MutationSet, Collection: "sales", DocID: "s", Data: json.RawMessage(`{}`)}, true},
		{"set array", domain.Mutation{Op: domain.MutationSet, Collection: "sales", DocID: "s", Data: json.RawMessage(`[]`)}, false},
		{"merge null", domain.Mutation{Op: domain.MutationMerge, Collection: "customers", DocID: "c", Data: json.RawMessage(`null`)}, false},
		{"increment no field", domain.Mutation{Op: domain.MutationIncrement, Collection: "products", DocID: "p"}, false},
		{"add no amount", domain.Mutation{Op: domain.MutationAdd, Collection: "customers", DocID: "c", Field: "due_balance"}, false},
		{"delete", domain.Mutation{Op: domain.MutationDelete, Collection: "sales", DocID: "s"}, true},
		{"missing id", domain.Mutation{Op: domain.MutationDelete, Collection: "sales"}, false},
		{"unknown op", domain.Mutation{Op: "upsert", Collection: "sales", DocID: "s"}, false},
	}
	for _, tc := range cases {
		err := ValidateMutation(tc.m)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidMutation) {
			t.Fatalf("%s: expected ErrInvalidMutation, got %v", tc.name, err)
		}
	}
}

func TestEncodeDecodeRoundTripsProduct(t *testing.T) {
	doc, err := Encode("P1", domain.Product{Barcode: "P1", Name: "Pen", Quantity: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := Decode[domain.Product](doc)
	if err != nil || p.Barcode != "P1" || p.Quantity != 3 {
		t.Fatalf("unexpected decode %+v err=%v", p, err)
	}
}

func TestAddDecimalFieldKeepsExactStrings(t *testing.T) {
	amount := decimal.RequireFromString("-0.10")
	out, err := AddDecimalField(json.RawMessage(`{"name":"A","due_balance":"10.30"}`), "due_balance", amount)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	var got map[string]any
	_ = json.Unmarshal(out, &got)
	if got["due_balance"] != "10.2" || got["name"] != "A" {
		t.Fatalf("unexpected document %s", out)
	}

	out, err = AddDecimalField(json.RawMessage(`{"name":"B"}`), "due_balance", decimal.NewFromInt(5))
	if err != nil || !strings.Contains(string(out), `"due_balance":"5"`) {
		t.Fatalf("expected missing field to start at zero, got %s err=%v", out, err)
	}

	if _, err := AddDecimalField(json.RawMessage(`{"due_balance":true}`), "due_balance", amount); !errors.Is(err, ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation for non-decimal, got %v", err)
	}
}
