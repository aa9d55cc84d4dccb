package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderContentDisposition = "Content-Disposition"
	ContentTypeJSON          = "application/json"
	ContentTypeEventStream   = "text/event-stream"
	ContentTypeCSV           = "text/csv"
	ContentTypeXLSX          = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathAPI     = "/api"
)

// Defaults and limits
const (
	DefaultQueueCapacity  = 128
	DefaultWorkerCount    = 1
	DefaultMaxConcurrent  = 1
	DefaultDPI            = 300
	SQLiteBusyTimeoutMS   = 5000
	DefaultStreamInterval = 500 // milliseconds
)

// DefaultPrompt is the baseline instruction used when a job has no prompt.
const DefaultPrompt = "<image>\n<|grounding|>Convert the document to markdown."

// MIME types
const (
	MimePDF         = "application/pdf"
	MimeOctetStream = "application/octet-stream"
	ExtPDF          = ".pdf"
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
	ScratchDirName = "processed"
)

// Pipeline step messages persisted on the job record.
const (
	MessageLoadingModel = "Loading AI Model..."
	MessageAnalyzing    = "Analyzing PDF..."
	MessageCompleted    = "Completed"
	MessageCancelled    = "Cancelled by user"
	MessageFailed       = "Processing Failed"
)

// Export formats
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)
