package ordersync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/qms_backend/models"
)

// MaxSaneQuantity bounds a single shipment-line quantity. Values at or
// above it are treated as mis-parsed lot identifiers, not real counts.
const MaxSaneQuantity = 1_000_000

// CustomerIdentity carries the raw name/address/contact fields exactly as
// extracted from a source, before canonicalization.
type CustomerIdentity struct {
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

// Empty reports whether the identity has nothing to match on.
func (id CustomerIdentity) Empty() bool {
	return strings.TrimSpace(id.Name) == "" &&
		strings.TrimSpace(id.Email) == "" &&
		strings.TrimSpace(id.Phone) == ""
}

type RecordLine struct {
	Sku       string          `json:"sku"`
	Lot       string          `json:"lot"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// IngestedRecord is the common intermediate shape every adapter produces:
// one shipment/order fact, consumed immediately by the reconciler.
type IngestedRecord struct {
	Source           models.Source    `json:"source"`
	ExternalKey      string           `json:"external_key"`
	OrderNumber      string           `json:"order_number"`
	OrderDate        *time.Time       `json:"order_date"`
	ShipDate         *time.Time       `json:"ship_date"`
	TrackingNumber   string           `json:"tracking_number"`
	CustomerIdentity CustomerIdentity `json:"customer_identity"`
	Lines            []RecordLine     `json:"lines"`
	RawPayloadRef    string           `json:"raw_payload_ref"`
}

// OrderKey derives the order-level idempotency key. Orders dedupe on the
// order number when the source supplies one; otherwise the record key
// stands in (the record then maps 1:1 to an order).
func (r *IngestedRecord) OrderKey() string {
	if n := strings.TrimSpace(r.OrderNumber); n != "" {
		return n
	}
	return r.ExternalKey
}

// entryExternalKey is the per-shipment-line idempotency key. Record keys
// that already encode sku and lot are used as-is so re-ingestion of the
// same fact always lands on the same row.
func entryExternalKey(recordKey string, line RecordLine) string {
	suffix := ":" + line.Sku + ":" + line.Lot
	if strings.HasSuffix(recordKey, suffix) {
		return recordKey
	}
	return fmt.Sprintf("%s:%s:%s", recordKey, line.Sku, line.Lot)
}

// RecordSkip is a per-record outcome that must not abort the batch. It
// travels as an error so adapters can surface row-level problems without
// ending iteration.
type RecordSkip struct {
	ExternalKey string
	Reason      string
	Message     string
	Payload     []byte
}

func (s *RecordSkip) Error() string {
	if s.Message == "" {
		return s.Reason
	}
	return s.Reason + ": " + s.Message
}

func skipRecord(externalKey string, reason string, message string) *RecordSkip {
	return &RecordSkip{ExternalKey: externalKey, Reason: reason, Message: message}
}

// RecordSource is the lazy sequence an adapter yields. Next returns io.EOF
// when the source is exhausted, a *RecordSkip for one bad row, or another
// error to terminate the run. Capped reports whether a page/record cap
// stopped the source before exhaustion.
type RecordSource interface {
	Next(ctx context.Context) (*IngestedRecord, error)
	Capped() bool
}

// RunWindow configures one sync invocation. For API runs SinceDate and the
// caps apply; upload runs carry the stored source file reference instead.
type RunWindow struct {
	SinceDate  string `json:"since_date,omitempty"`
	MaxPages   int    `json:"max_pages,omitempty"`
	MaxRecords int    `json:"max_records,omitempty"`
	FileRef    string `json:"file_ref,omitempty"`
	FileName   string `json:"file_name,omitempty"`
}

func (w RunWindow) Encode() []byte {
	b, _ := json.Marshal(w)
	return b
}

func DecodeRunWindow(raw []byte) RunWindow {
	if len(raw) == 0 {
		return RunWindow{}
	}
	var w RunWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return RunWindow{}
	}
	return w
}

// RunSummary is what a facade invocation reports back to the operator.
type RunSummary struct {
	RunId       uint               `json:"run_id"`
	Source      models.Source      `json:"source"`
	Status      string             `json:"status"`
	RecordsSeen int                `json:"records_seen"`
	Succeeded   int                `json:"succeeded"`
	Skipped     []SkippedRecord    `json:"skipped"`
	Capped      bool               `json:"capped"`
	Error       string             `json:"error,omitempty"`
}

type SkippedRecord struct {
	ExternalKey string `json:"external_key"`
	Reason      string `json:"reason"`
	Message     string `json:"message,omitempty"`
}

type SyncPubSubPayload struct {
	RunId  uint          `json:"run_id"`
	Source models.Source `json:"source"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
