package models

// Source identifies which ingestion path produced a fact. It is half of
// every idempotency key, so values are stable and never renamed.
type Source string

const (
	SourceAPI    Source = "api"
	SourceCSV    Source = "csv"
	SourcePDF    Source = "pdf"
	SourceManual Source = "manual"
)

func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceCSV, SourcePDF, SourceManual:
		return true
	}
	return false
}

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusPartial = "partial"
	SyncRunStatusFailed  = "failed"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredScheduler = "scheduler"
	SyncTriggeredUpload    = "upload"
)

// Stable skip reason codes reported on run summaries.
const (
	SkipDuplicateExternalKey = "duplicate_external_key"
	SkipIdentityMissing      = "identity_missing"
	SkipParseError           = "parse_error"
	SkipUnparseablePage      = "unparseable_page"
	SkipQuantityOutOfRange   = "quantity_out_of_range"
	SkipEmptyLines           = "empty_lines"
	SkipMissingExternalKey   = "missing_external_key"
	SkipCustomerConflict     = "customer_conflict"
	SkipInternalError        = "internal_error"
)

// Stored file kinds. Unmatched pages are retained for manual reconciliation.
const (
	FileKindSourceCSV     = "source_csv"
	FileKindSourceXLSX    = "source_xlsx"
	FileKindSourcePDF     = "source_pdf"
	FileKindPdfPage       = "pdf_page"
	FileKindUnmatchedPage = "unmatched_page"
	FileKindAPIPayload    = "api_payload"
)

const (
	AuditActionCreate = "create"
	AuditActionUpdate = "update"
	AuditActionMerge  = "merge"
)
