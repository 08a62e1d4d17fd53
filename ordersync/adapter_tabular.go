package ordersync

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// tabularSource yields one record per data row of an uploaded CSV or XLSX
// file. The whole file is small enough to parse up front; skips are queued
// in row order so the run report reads top to bottom.
type tabularSource struct {
	items []tabularItem
	pos   int
}

type tabularItem struct {
	record *IngestedRecord
	skip   *RecordSkip
}

func newTabularSource(ctx context.Context, window RunWindow) (*tabularSource, error) {
	data, err := utils.GetBytes(ctx, window.FileRef)
	if err != nil {
		return nil, fmt.Errorf("read uploaded file %s: %w", window.FileRef, err)
	}

	var rows [][]string
	switch strings.ToLower(filepath.Ext(window.FileName)) {
	case ".xlsx":
		rows, err = readXLSXRows(data)
	default:
		rows, err = readCSVRows(data)
	}
	if err != nil {
		return nil, err
	}
	return &tabularSource{items: tabularItems(rows, window.FileRef)}, nil
}

func (s *tabularSource) Capped() bool { return false }

func (s *tabularSource) Next(ctx context.Context) (*IngestedRecord, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	if item.skip != nil {
		return nil, item.skip
	}
	return item.record, nil
}

func readCSVRows(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return rows, nil
}

func readXLSXRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("xlsx has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	return rows, nil
}

// Column aliases seen across operator exports. Headers are matched after
// lowercasing and stripping non-alphanumerics, so "Order #" and
// "order_number" land on the same column.
var tabularColumns = map[string]string{
	"reference":      "external_key",
	"referenceid":    "external_key",
	"shipmentid":     "external_key",
	"externalkey":    "external_key",
	"ordernumber":    "order_number",
	"orderno":        "order_number",
	"order":          "order_number",
	"ponumber":       "order_number",
	"orderdate":      "order_date",
	"shipdate":       "ship_date",
	"shippeddate":    "ship_date",
	"tracking":       "tracking_number",
	"trackingnumber": "tracking_number",
	"trackingno":     "tracking_number",
	"sku":            "sku",
	"item":           "sku",
	"itemnumber":     "sku",
	"product":        "sku",
	"lot":            "lot",
	"lotnumber":      "lot",
	"batch":          "lot",
	"quantity":       "quantity",
	"qty":            "quantity",
	"units":          "quantity",
	"unitprice":      "unit_price",
	"price":          "unit_price",
	"customer":       "customer_name",
	"customername":   "customer_name",
	"company":        "customer_name",
	"companyname":    "customer_name",
	"account":        "customer_name",
	"address":        "address1",
	"address1":       "address1",
	"address2":       "address2",
	"city":           "city",
	"state":          "state",
	"province":       "state",
	"zip":            "zip",
	"zipcode":        "zip",
	"postalcode":     "zip",
	"country":        "country",
	"email":          "email",
	"phone":          "phone",
	"phonenumber":    "phone",
}

func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func mapHeader(headers []string) map[string]int {
	cols := map[string]int{}
	for i, h := range headers {
		if field, ok := tabularColumns[normalizeHeader(h)]; ok {
			if _, seen := cols[field]; !seen {
				cols[field] = i
			}
		}
	}
	return cols
}

func tabularItems(rows [][]string, fileRef string) []tabularItem {
	if len(rows) == 0 {
		return nil
	}
	cols := mapHeader(rows[0])
	var items []tabularItem
	for i, row := range rows[1:] {
		if rowIsEmpty(row) {
			continue
		}
		rec, skip := rowToRecord(row, cols, i+2, fileRef)
		if skip != nil {
			items = append(items, tabularItem{skip: skip})
			continue
		}
		items = append(items, tabularItem{record: rec})
	}
	return items
}

func rowIsEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func cell(row []string, cols map[string]int, field string) string {
	idx, ok := cols[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func rowToRecord(row []string, cols map[string]int, rowNum int, fileRef string) (*IngestedRecord, *RecordSkip) {
	orderNumber := cell(row, cols, "order_number")
	sku := cell(row, cols, "sku")
	lot := cell(row, cols, "lot")

	externalKey := cell(row, cols, "external_key")
	if externalKey == "" {
		if orderNumber == "" {
			return nil, skipRecord(fmt.Sprintf("row:%d", rowNum), models.SkipMissingExternalKey,
				"row has neither a reference nor an order number")
		}
		externalKey = fmt.Sprintf("%s:%s:%s", orderNumber, sku, lot)
	}

	if sku == "" {
		return nil, skipRecord(externalKey, models.SkipParseError,
			fmt.Sprintf("row %d: sku missing", rowNum))
	}
	qty, err := parseQuantityCell(cell(row, cols, "quantity"))
	if err != nil {
		return nil, skipRecord(externalKey, models.SkipQuantityOutOfRange,
			fmt.Sprintf("row %d: %v", rowNum, err))
	}

	return &IngestedRecord{
		Source:         models.SourceCSV,
		ExternalKey:    externalKey,
		OrderNumber:    orderNumber,
		OrderDate:      parseDateOrNil(cell(row, cols, "order_date")),
		ShipDate:       parseDateOrNil(cell(row, cols, "ship_date")),
		TrackingNumber: cell(row, cols, "tracking_number"),
		CustomerIdentity: CustomerIdentity{
			Name:     cell(row, cols, "customer_name"),
			Address1: cell(row, cols, "address1"),
			Address2: cell(row, cols, "address2"),
			City:     cell(row, cols, "city"),
			State:    cell(row, cols, "state"),
			Zip:      cell(row, cols, "zip"),
			Country:  cell(row, cols, "country"),
			Email:    cell(row, cols, "email"),
			Phone:    cell(row, cols, "phone"),
		},
		Lines: []RecordLine{{
			Sku:       sku,
			Lot:       lot,
			Quantity:  qty,
			UnitPrice: parsePriceCell(cell(row, cols, "unit_price")),
		}},
		RawPayloadRef: fileRef,
	}, nil
}

func parseQuantityCell(raw string) (int, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if s == "" {
		return 0, fmt.Errorf("quantity missing")
	}
	// Exports sometimes format whole counts as "12.0".
	if dot := strings.Index(s, "."); dot >= 0 {
		if strings.Trim(s[dot+1:], "0") != "" {
			return 0, fmt.Errorf("quantity %q is not a whole number", raw)
		}
		s = s[:dot]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("quantity %q is not an integer", raw)
	}
	if n <= 0 || n >= MaxSaneQuantity {
		return 0, fmt.Errorf("quantity %d outside sane bounds", n)
	}
	return n, nil
}

func parsePriceCell(raw string) decimal.Decimal {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return d
	}
	return decimal.Zero
}
