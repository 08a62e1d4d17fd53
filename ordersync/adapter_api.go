package ordersync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// The since-date default is a fixed historical date, not "last N days":
// a relative default silently loses backfill windows when a sync has been
// down for a while.
const defaultSinceDate = "2015-01-01"

const (
	defaultMaxPages   = 50
	defaultMaxRecords = 5000
	apiPageLimit      = 200
)

type fulfillShipmentCustomer struct {
	Name     string `json:"name"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
	Country  string `json:"country"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

type fulfillShipmentItem struct {
	Sku       string      `json:"sku"`
	Lot       string      `json:"lot"`
	Quantity  json.Number `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
}

type fulfillShipment struct {
	ID             string                  `json:"id"`
	OrderNumber    string                  `json:"order_number"`
	OrderDate      string                  `json:"order_date"`
	ShipDate       string                  `json:"ship_date"`
	TrackingNumber string                  `json:"tracking_number"`
	Customer       fulfillShipmentCustomer `json:"customer"`
	Items          []fulfillShipmentItem   `json:"items"`
	UpdatedAt      string                  `json:"updated_at"`
}

// apiSource pages through the remote fulfillment API lazily: one page is
// fetched only when the buffered records run out, so a capped run never
// materializes the whole source.
type apiSource struct {
	client *fulfillClient
	window RunWindow

	sinceDate  string
	maxPages   int
	maxRecords int

	cursor    string
	pagesRead int
	yielded   int
	buffered  []*IngestedRecord
	pending   []*RecordSkip
	exhausted bool
	capped    bool
}

func newAPISource(window RunWindow) (*apiSource, error) {
	client, err := newFulfillClient()
	if err != nil {
		return nil, err
	}

	sinceDate := strings.TrimSpace(window.SinceDate)
	if sinceDate == "" {
		sinceDate = strings.TrimSpace(os.Getenv("FULFILLMENT_SINCE_DATE"))
	}
	if sinceDate == "" {
		sinceDate = defaultSinceDate
	}

	maxPages := window.MaxPages
	if maxPages <= 0 {
		maxPages = utils.IntFromEnv("FULFILLMENT_MAX_PAGES", defaultMaxPages)
	}
	maxRecords := window.MaxRecords
	if maxRecords <= 0 {
		maxRecords = utils.IntFromEnv("FULFILLMENT_MAX_RECORDS", defaultMaxRecords)
	}

	return &apiSource{
		client:     client,
		window:     window,
		sinceDate:  sinceDate,
		maxPages:   maxPages,
		maxRecords: maxRecords,
	}, nil
}

func (s *apiSource) Capped() bool { return s.capped }

func (s *apiSource) Next(ctx context.Context) (*IngestedRecord, error) {
	for {
		if len(s.pending) > 0 {
			skip := s.pending[0]
			s.pending = s.pending[1:]
			return nil, skip
		}
		if len(s.buffered) > 0 {
			if s.yielded >= s.maxRecords {
				s.capped = true
				return nil, io.EOF
			}
			rec := s.buffered[0]
			s.buffered = s.buffered[1:]
			s.yielded++
			return rec, nil
		}
		if s.exhausted || s.capped {
			return nil, io.EOF
		}
		if s.pagesRead >= s.maxPages {
			s.capped = true
			return nil, io.EOF
		}
		if err := s.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *apiSource) fetchPage(ctx context.Context) error {
	params := url.Values{}
	params.Set("updated_since", s.sinceDate)
	params.Set("limit", strconv.Itoa(apiPageLimit))
	if s.cursor != "" {
		params.Set("cursor", s.cursor)
	}

	shipmentsPath := strings.TrimSpace(os.Getenv("FULFILLMENT_SHIPMENTS_PATH"))
	if shipmentsPath == "" {
		shipmentsPath = "/v1/shipments"
	}

	resp, err := s.client.getList(ctx, shipmentsPath, params)
	if err != nil {
		return err
	}
	s.pagesRead++

	records := resp.records()
	payloadRef := s.storePagePayload(ctx, records)

	for _, raw := range records {
		recs, skip := shipmentToRecords(raw, payloadRef)
		if skip != nil {
			s.pending = append(s.pending, skip)
			continue
		}
		s.buffered = append(s.buffered, recs...)
	}

	if resp.exhausted() {
		s.exhausted = true
	}
	s.cursor = resp.NextCursor
	return nil
}

// storePagePayload keeps the raw page response for audit. Failure to
// store is logged, not fatal: losing the audit copy must not stop a sync.
func (s *apiSource) storePagePayload(ctx context.Context, records []json.RawMessage) string {
	if len(records) == 0 {
		return ""
	}
	data, err := json.Marshal(records)
	if err != nil {
		return ""
	}
	objectKey, err := utils.PutBytes(ctx, "ordersync/api", ".json", "application/json", data)
	if err != nil {
		config.LogError(config.GetLogger(), "ordersync", "storePagePayload", "api page", s.pagesRead, err)
		return ""
	}
	_ = models.CreateStoredFile(ctx, &models.StoredFile{
		ObjectKey:   objectKey,
		Kind:        models.FileKindAPIPayload,
		ContentType: "application/json",
	})
	return objectKey
}

// shipmentToRecords emits one IngestedRecord per shipment line so each
// physical shipment-line fact carries its own idempotency key
// (shipmentId:sku:lot), while order fields repeat on every record.
func shipmentToRecords(raw json.RawMessage, payloadRef string) ([]*IngestedRecord, *RecordSkip) {
	var shipment fulfillShipment
	if err := json.Unmarshal(raw, &shipment); err != nil {
		return nil, &RecordSkip{Reason: models.SkipParseError, Message: err.Error(), Payload: raw}
	}

	shipmentID := strings.TrimSpace(shipment.ID)
	if shipmentID == "" {
		return nil, &RecordSkip{Reason: models.SkipMissingExternalKey, Message: "shipment id missing", Payload: raw}
	}
	if len(shipment.Items) == 0 {
		return nil, &RecordSkip{ExternalKey: shipmentID, Reason: models.SkipEmptyLines, Message: "shipment has no items", Payload: raw}
	}

	identity := CustomerIdentity{
		Name:     strings.TrimSpace(shipment.Customer.Name),
		Address1: strings.TrimSpace(shipment.Customer.Address1),
		Address2: strings.TrimSpace(shipment.Customer.Address2),
		City:     strings.TrimSpace(shipment.Customer.City),
		State:    strings.TrimSpace(shipment.Customer.State),
		Zip:      strings.TrimSpace(shipment.Customer.Zip),
		Country:  strings.TrimSpace(shipment.Customer.Country),
		Email:    strings.TrimSpace(shipment.Customer.Email),
		Phone:    strings.TrimSpace(shipment.Customer.Phone),
	}
	orderDate := parseDateOrNil(shipment.OrderDate)
	shipDate := parseDateOrNil(shipment.ShipDate)

	var out []*IngestedRecord
	for _, item := range shipment.Items {
		sku := strings.TrimSpace(item.Sku)
		if sku == "" {
			return nil, &RecordSkip{ExternalKey: shipmentID, Reason: models.SkipParseError, Message: "item sku missing", Payload: raw}
		}
		lot := strings.TrimSpace(item.Lot)
		qty, err := quantityFromNumber(item.Quantity)
		if err != nil {
			return nil, &RecordSkip{
				ExternalKey: fmt.Sprintf("%s:%s:%s", shipmentID, sku, lot),
				Reason:      models.SkipQuantityOutOfRange,
				Message:     err.Error(),
				Payload:     raw,
			}
		}

		out = append(out, &IngestedRecord{
			Source:           models.SourceAPI,
			ExternalKey:      fmt.Sprintf("%s:%s:%s", shipmentID, sku, lot),
			OrderNumber:      strings.TrimSpace(shipment.OrderNumber),
			OrderDate:        orderDate,
			ShipDate:         shipDate,
			TrackingNumber:   strings.TrimSpace(shipment.TrackingNumber),
			CustomerIdentity: identity,
			Lines: []RecordLine{{
				Sku:       sku,
				Lot:       lot,
				Quantity:  qty,
				UnitPrice: decimalFromNumber(item.UnitPrice),
			}},
			RawPayloadRef: payloadRef,
		})
	}
	return out, nil
}

func quantityFromNumber(num json.Number) (int, error) {
	s := strings.TrimSpace(num.String())
	if s == "" {
		return 0, fmt.Errorf("quantity missing")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("quantity %q is not an integer", s)
	}
	if n <= 0 || n >= MaxSaneQuantity {
		return 0, fmt.Errorf("quantity %d outside sane bounds", n)
	}
	return n, nil
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func parseDateOrNil(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02", "01/02/2006", "1/2/2006"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}
