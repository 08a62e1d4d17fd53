package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"bitbucket.org/mmdatafocus/qms_backend/models"
)

func TestShipmentToRecords_OneRecordPerLine(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "ship-9",
		"order_number": "SO-42",
		"order_date": "2024-05-01",
		"ship_date": "2024-05-03",
		"tracking_number": "1Z999",
		"customer": {"name": "Acme Medical Inc", "city": "Denver", "state": "CO", "zip": "80201"},
		"items": [
			{"sku": "SKU1", "lot": "L1", "quantity": 10, "unit_price": "4.50"},
			{"sku": "SKU2", "lot": "L2", "quantity": 3}
		]
	}`)

	recs, skip := shipmentToRecords(raw, "ordersync/api/page1.json")
	if skip != nil {
		t.Fatalf("unexpected skip: %v", skip)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}

	first := recs[0]
	if first.ExternalKey != "ship-9:SKU1:L1" {
		t.Errorf("external key = %q", first.ExternalKey)
	}
	if first.OrderNumber != "SO-42" || first.TrackingNumber != "1Z999" {
		t.Errorf("order fields not carried: %+v", first)
	}
	if first.Source != models.SourceAPI {
		t.Errorf("source = %q", first.Source)
	}
	if len(first.Lines) != 1 || first.Lines[0].Quantity != 10 {
		t.Errorf("lines = %+v", first.Lines)
	}
	if !first.Lines[0].UnitPrice.Equal(decimalFromNumber("4.50")) {
		t.Errorf("unit price = %s", first.Lines[0].UnitPrice)
	}
	if recs[1].ExternalKey != "ship-9:SKU2:L2" {
		t.Errorf("second key = %q", recs[1].ExternalKey)
	}
	if first.OrderDate == nil || first.ShipDate == nil {
		t.Error("dates should parse")
	}
}

func TestShipmentToRecords_Skips(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		reason string
	}{
		{"missing id", `{"order_number":"SO-1","items":[{"sku":"A","quantity":1}]}`, models.SkipMissingExternalKey},
		{"no items", `{"id":"s1","order_number":"SO-1","items":[]}`, models.SkipEmptyLines},
		{"zero quantity", `{"id":"s1","items":[{"sku":"A","quantity":0}]}`, models.SkipQuantityOutOfRange},
		{"huge quantity", `{"id":"s1","items":[{"sku":"A","quantity":1000000}]}`, models.SkipQuantityOutOfRange},
		{"missing sku", `{"id":"s1","items":[{"quantity":5}]}`, models.SkipParseError},
		{"not json", `{"id":`, models.SkipParseError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, skip := shipmentToRecords(json.RawMessage(tc.raw), "")
			if recs != nil {
				t.Fatalf("expected no records, got %d", len(recs))
			}
			if skip == nil || skip.Reason != tc.reason {
				t.Fatalf("skip = %+v, want reason %q", skip, tc.reason)
			}
		})
	}
}

func TestAPISource_RecordCap(t *testing.T) {
	src := &apiSource{
		maxPages:   10,
		maxRecords: 2,
		exhausted:  true,
		buffered: []*IngestedRecord{
			{ExternalKey: "a"}, {ExternalKey: "b"}, {ExternalKey: "c"},
		},
	}

	ctx := context.Background()
	var got []string
	for {
		rec, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, rec.ExternalKey)
	}
	if len(got) != 2 {
		t.Errorf("yielded %v, want cap at 2", got)
	}
	if !src.Capped() {
		t.Error("source should report capped")
	}
}

func TestAPISource_SkipsDrainBeforeRecords(t *testing.T) {
	src := &apiSource{
		maxPages:   10,
		maxRecords: 10,
		exhausted:  true,
		buffered:   []*IngestedRecord{{ExternalKey: "a"}},
		pending:    []*RecordSkip{skipRecord("bad", models.SkipParseError, "x")},
	}

	ctx := context.Background()
	_, err := src.Next(ctx)
	var skip *RecordSkip
	if !errors.As(err, &skip) || skip.ExternalKey != "bad" {
		t.Fatalf("first Next should yield the skip, got %v", err)
	}
	rec, err := src.Next(ctx)
	if err != nil || rec.ExternalKey != "a" {
		t.Fatalf("second Next = %v, %v", rec, err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF, got %v", err)
	}
	if src.Capped() {
		t.Error("exhausted source is not capped")
	}
}

func TestQuantityFromNumber(t *testing.T) {
	if _, err := quantityFromNumber(json.Number("")); err == nil {
		t.Error("empty quantity should fail")
	}
	if _, err := quantityFromNumber(json.Number("2.5")); err == nil {
		t.Error("fractional quantity should fail")
	}
	if n, err := quantityFromNumber(json.Number("42")); err != nil || n != 42 {
		t.Errorf("got %d, %v", n, err)
	}
}
