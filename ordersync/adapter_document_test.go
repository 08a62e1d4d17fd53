package ordersync

import (
	"context"
	"errors"
	"io"
	"testing"

	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

const samplePageText = `ACME DISTRIBUTION
Sales Order #SO-5521
Order Date: 05/12/2024
Ship To:
Acme Medical Inc
120 Main St
Suite 4
Denver, CO 80201
SKU  Lot  Qty  Price
VX100 LOT-A1 24 $12.50
VX200 LOT-B7 6 $8.00
Total 30`

func TestParseOrderPage(t *testing.T) {
	rec, skip := parseOrderPage(samplePageText, "ordersync/pdf/pages/p1.pdf", 1)
	if skip != nil {
		t.Fatalf("unexpected skip: %v", skip)
	}
	if rec.ExternalKey != "SO-5521" || rec.OrderNumber != "SO-5521" {
		t.Errorf("keys = %q / %q", rec.ExternalKey, rec.OrderNumber)
	}
	if rec.Source != models.SourcePDF {
		t.Errorf("source = %q", rec.Source)
	}
	if rec.OrderDate == nil {
		t.Error("order date should parse")
	}

	id := rec.CustomerIdentity
	if id.Name != "Acme Medical Inc" {
		t.Errorf("name = %q", id.Name)
	}
	if id.Address1 != "120 Main St" || id.Address2 != "Suite 4" {
		t.Errorf("street = %q / %q", id.Address1, id.Address2)
	}
	if id.City != "Denver" || id.State != "CO" || id.Zip != "80201" {
		t.Errorf("location = %q %q %q", id.City, id.State, id.Zip)
	}

	if len(rec.Lines) != 2 {
		t.Fatalf("lines = %+v", rec.Lines)
	}
	if rec.Lines[0].Sku != "VX100" || rec.Lines[0].Lot != "LOT-A1" || rec.Lines[0].Quantity != 24 {
		t.Errorf("line 1 = %+v", rec.Lines[0])
	}
	if rec.Lines[0].UnitPrice.String() != "12.5" {
		t.Errorf("price = %s", rec.Lines[0].UnitPrice)
	}
}

func TestParseOrderPage_LotSlidesIntoQuantityColumn(t *testing.T) {
	// A nine-digit lot identifier landing where the quantity belongs must
	// not be ingested as a quantity.
	text := `Sales Order #SO-7
Ship To: Acme Inc
SKU Qty Lot
VX100 240001234 12`
	rec, skip := parseOrderPage(text, "p", 1)
	if skip != nil {
		t.Fatalf("unexpected skip: %v", skip)
	}
	if len(rec.Lines) != 1 {
		t.Fatalf("lines = %+v", rec.Lines)
	}
	line := rec.Lines[0]
	if line.Quantity != 12 {
		t.Errorf("quantity = %d, want the sane token", line.Quantity)
	}
	if line.Lot != "240001234" {
		t.Errorf("lot = %q, want the oversize token", line.Lot)
	}
}

func TestParseOrderPage_Skips(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		reason string
	}{
		{"empty page", "", models.SkipUnparseablePage},
		{"no order data", "random scanned noise\nnothing useful", models.SkipUnparseablePage},
		{"order without items", "Sales Order #SO-9\nShip To: Acme", models.SkipEmptyLines},
		{"only oversize quantities", "Sales Order #SO-9\nSKU Qty\nVX100 9999999999", models.SkipQuantityOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, skip := parseOrderPage(tc.text, "p", 3)
			if rec != nil {
				t.Fatalf("expected skip, got record %+v", rec)
			}
			if skip == nil || skip.Reason != tc.reason {
				t.Fatalf("skip = %+v, want reason %q", skip, tc.reason)
			}
		})
	}
}

func TestDecodeContentText(t *testing.T) {
	content := []byte(`BT
/F1 12 Tf
72 720 Td (Sales Order #SO-1) Tj
0 -14 Td [(Ship To: ) (Acme \(West\) Inc)] TJ
ET`)
	text := decodeContentText(content)
	lines := splitPageLines(text)
	if len(lines) < 2 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "Sales Order #SO-1" {
		t.Errorf("line 1 = %q", lines[0])
	}
	if lines[1] != "Ship To: Acme (West) Inc" {
		t.Errorf("line 2 = %q", lines[1])
	}
}

type fakeExtractor struct {
	pages []pdfPage
	err   error
}

func (f *fakeExtractor) ExtractPages(ctx context.Context, data []byte) ([]pdfPage, error) {
	return f.pages, f.err
}

func TestNewDocumentSource_YieldsRecordPerPage(t *testing.T) {
	t.Setenv("STORAGE_PROVIDER", utils.StorageProviderLocal)
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())

	ctx := context.Background()
	objectKey, err := utils.PutBytes(ctx, "ordersync/uploads", ".pdf", "application/pdf", []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	extractor := &fakeExtractor{pages: []pdfPage{
		{Number: 1, Text: samplePageText},
		{Number: 2, Text: "illegible scan"},
	}}
	src, err := newDocumentSource(ctx, RunWindow{FileRef: objectKey, FileName: "batch.pdf"}, extractor)
	if err != nil {
		t.Fatalf("newDocumentSource: %v", err)
	}

	rec, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.ExternalKey != "SO-5521" {
		t.Errorf("page 1 key = %q", rec.ExternalKey)
	}

	_, err = src.Next(ctx)
	var skip *RecordSkip
	if !errors.As(err, &skip) || skip.Reason != models.SkipUnparseablePage {
		t.Fatalf("page 2 should be unparseable, got %v", err)
	}

	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF, got %v", err)
	}
}

func TestNewDocumentSource_ExtractorFailureIsFatal(t *testing.T) {
	t.Setenv("STORAGE_PROVIDER", utils.StorageProviderLocal)
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())

	ctx := context.Background()
	objectKey, err := utils.PutBytes(ctx, "ordersync/uploads", ".pdf", "application/pdf", []byte("broken"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	extractor := &fakeExtractor{err: errors.New("corrupt xref")}
	if _, err := newDocumentSource(ctx, RunWindow{FileRef: objectKey}, extractor); err == nil {
		t.Fatal("a file-level failure must abort the run")
	}
}
