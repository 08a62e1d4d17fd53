package ordersync

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// documentSource yields one record per PDF page. Each page of an uploaded
// sales-order batch is one order document; pages that yield no parseable
// order are retained as unmatched for manual reconciliation.
type documentSource struct {
	items []documentItem
	pos   int
}

type documentItem struct {
	record *IngestedRecord
	skip   *RecordSkip
}

func newDocumentSource(ctx context.Context, window RunWindow, extractor pageExtractor) (*documentSource, error) {
	data, err := utils.GetBytes(ctx, window.FileRef)
	if err != nil {
		return nil, fmt.Errorf("read uploaded file %s: %w", window.FileRef, err)
	}

	pages, err := extractor.ExtractPages(ctx, data)
	if err != nil {
		return nil, err
	}

	src := &documentSource{}
	for _, page := range pages {
		pageRef, pageFileId := storePage(ctx, window, page)

		rec, skip := parseOrderPage(page.Text, pageRef, page.Number)
		if skip != nil {
			if skip.Reason == models.SkipUnparseablePage && pageFileId != 0 {
				if err := models.MarkPageUnmatched(ctx, pageFileId); err != nil {
					config.LogError(config.GetLogger(), "ordersync", "newDocumentSource",
						"mark page unmatched", pageFileId, err)
				}
			}
			src.items = append(src.items, documentItem{skip: skip})
			continue
		}
		src.items = append(src.items, documentItem{record: rec})
	}
	return src, nil
}

func (s *documentSource) Capped() bool { return false }

func (s *documentSource) Next(ctx context.Context) (*IngestedRecord, error) {
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

func storePage(ctx context.Context, window RunWindow, page pdfPage) (string, int) {
	if len(page.Raw) == 0 {
		return "", 0
	}
	objectKey, err := utils.PutBytes(ctx, "ordersync/pdf/pages", ".pdf", "application/pdf", page.Raw)
	if err != nil {
		config.LogError(config.GetLogger(), "ordersync", "storePage", "store pdf page", page.Number, err)
		return "", 0
	}
	file := &models.StoredFile{
		ObjectKey:   objectKey,
		Kind:        models.FileKindPdfPage,
		FileName:    fmt.Sprintf("%s#page%d", window.FileName, page.Number),
		ContentType: "application/pdf",
		PageNumber:  page.Number,
	}
	if err := models.CreateStoredFile(ctx, file); err != nil {
		config.LogError(config.GetLogger(), "ordersync", "storePage", "record pdf page", page.Number, err)
		return objectKey, 0
	}
	return objectKey, file.ID
}

var (
	orderNumberPattern = regexp.MustCompile(`(?i)(?:sales\s+order|order)\s*(?:no\.?|number|#)?\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9-]*)`)
	orderDatePattern   = regexp.MustCompile(`(?i)(?:order\s+)?date\s*[:#]?\s*([0-9][0-9/.-]+)`)
	cityStateZip       = regexp.MustCompile(`^(.+?),\s*([A-Za-z]{2})\s+(\d{5}(?:-\d{4})?)$`)
	emailPattern       = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern       = regexp.MustCompile(`\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}`)
	lineItemPattern    = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9_-]{2,})\s+(.+)$`)
)

// parseOrderPage turns one page of text into an order record. A page with
// no order number and no line items is unparseable; a page whose line
// quantities cannot be read safely is skipped whole rather than ingested
// half-right.
func parseOrderPage(text string, pageRef string, pageNumber int) (*IngestedRecord, *RecordSkip) {
	fallbackKey := fmt.Sprintf("%s:page:%d", pageRef, pageNumber)
	lines := splitPageLines(text)
	if len(lines) == 0 {
		return nil, skipRecord(fallbackKey, models.SkipUnparseablePage, "page has no extractable text")
	}

	orderNumber := firstMatch(orderNumberPattern, lines)
	identity := parseShipTo(lines)
	items, itemErr := parseLineItems(lines)

	externalKey := orderNumber
	if externalKey == "" {
		externalKey = fallbackKey
	}

	if orderNumber == "" && len(items) == 0 {
		return nil, skipRecord(fallbackKey, models.SkipUnparseablePage, "no order number or line items found")
	}
	if itemErr != nil {
		return nil, skipRecord(externalKey, models.SkipQuantityOutOfRange, itemErr.Error())
	}
	if len(items) == 0 {
		return nil, skipRecord(externalKey, models.SkipEmptyLines, "order has no line items")
	}

	return &IngestedRecord{
		Source:           models.SourcePDF,
		ExternalKey:      externalKey,
		OrderNumber:      orderNumber,
		OrderDate:        parseDateOrNil(firstMatch(orderDatePattern, lines)),
		CustomerIdentity: identity,
		Lines:            items,
		RawPayloadRef:    pageRef,
	}, nil
}

func splitPageLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func firstMatch(pattern *regexp.Regexp, lines []string) string {
	for _, line := range lines {
		if m := pattern.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

var shipToLabels = []string{"ship to", "sold to", "bill to", "customer"}

// parseShipTo reads the address block following a Ship To / Sold To label:
// first line is the company name, then street lines until a
// "City, ST 12345" line closes the block.
func parseShipTo(lines []string) CustomerIdentity {
	start := -1
	for i, line := range lines {
		lower := strings.ToLower(strings.TrimRight(line, ":"))
		for _, label := range shipToLabels {
			if lower == label || strings.HasPrefix(lower, label+":") {
				start = i
				break
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return CustomerIdentity{}
	}

	var identity CustomerIdentity
	// Inline form: "Ship To: Acme Corp".
	if idx := strings.Index(lines[start], ":"); idx >= 0 {
		identity.Name = strings.TrimSpace(lines[start][idx+1:])
	}

	var street []string
	for i := start + 1; i < len(lines) && i <= start+6; i++ {
		line := lines[i]
		if m := cityStateZip.FindStringSubmatch(line); m != nil {
			identity.City = strings.TrimSpace(m[1])
			identity.State = strings.ToUpper(m[2])
			identity.Zip = m[3]
			break
		}
		if email := emailPattern.FindString(line); email != "" {
			identity.Email = email
			continue
		}
		if phone := phonePattern.FindString(line); phone != "" && identity.Phone == "" {
			identity.Phone = phone
			continue
		}
		if identity.Name == "" {
			identity.Name = line
			continue
		}
		street = append(street, line)
	}
	if len(street) > 0 {
		identity.Address1 = street[0]
	}
	if len(street) > 1 {
		identity.Address2 = street[1]
	}
	identity.Country = utils.CountryCode
	return identity
}

var lineItemHeaders = []string{"sku", "item", "product"}

// parseLineItems reads the item table. Columns drift between templates, so
// the quantity is located by value: the rightmost integer token inside the
// sane bound. Everything between the sku and that token is the lot, which
// also absorbs lot identifiers that slid into the quantity column.
func parseLineItems(lines []string) ([]RecordLine, error) {
	start := -1
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, h := range lineItemHeaders {
			if strings.HasPrefix(lower, h) && strings.Contains(lower, "qty") ||
				strings.HasPrefix(lower, h) && strings.Contains(lower, "quantity") {
				start = i
				break
			}
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return nil, nil
	}

	var items []RecordLine
	for _, line := range lines[start+1:] {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "total") || strings.HasPrefix(lower, "subtotal") {
			break
		}
		m := lineItemPattern.FindStringSubmatch(line)
		if m == nil {
			break
		}
		item, err := parseItemTokens(m[1], strings.Fields(m[2]))
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", line, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func parseItemTokens(sku string, tokens []string) (RecordLine, error) {
	qtyIdx := -1
	qty := 0
	for i := len(tokens) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(strings.ReplaceAll(tokens[i], ",", ""))
		if err != nil {
			continue
		}
		if n > 0 && n < MaxSaneQuantity {
			qtyIdx = i
			qty = n
			break
		}
	}
	if qtyIdx < 0 {
		return RecordLine{}, fmt.Errorf("no quantity within sane bounds")
	}

	lot := strings.Join(tokens[:qtyIdx], " ")
	price := decimal.Zero
	if qtyIdx+1 < len(tokens) {
		price = parsePriceCell(tokens[qtyIdx+1])
	}
	return RecordLine{Sku: sku, Lot: lot, Quantity: qty, UnitPrice: price}, nil
}
