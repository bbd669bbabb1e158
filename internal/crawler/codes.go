package crawler

import "net/http"

// ErrorCode is the closed vocabulary used for failed and skipped attempts.
type ErrorCode string

// Codes produced by fetch attempts.
const (
	CodeNetwork         ErrorCode = "network_error"
	CodeFetchTimeout    ErrorCode = "fetch_timeout"
	CodeHTTP4xx         ErrorCode = "http_4xx"
	CodeHTTP401         ErrorCode = "http_401_unauthorised"
	CodeHTTP403         ErrorCode = "http_403_forbidden"
	CodeHTTP404         ErrorCode = "http_404_not_found"
	CodeHTTP5xx         ErrorCode = "http_5xx"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeMalformedPDF    ErrorCode = "malformed_pdf"
	CodeSiteStructure   ErrorCode = "site_structure_changed"
	CodeInvalidToken    ErrorCode = "invalid_token"
	CodeDiskFull        ErrorCode = "disk_full"
	CodeInternal        ErrorCode = "internal_error"
	CodeRunAborted      ErrorCode = "run_aborted"
	CodeCSVMiss         ErrorCode = "csv_miss"
	CodeWorklistFilter  ErrorCode = "worklist_filtered"
	CodeSeenHistory     ErrorCode = "seen_history"
	CodeAlreadyDownload ErrorCode = "already_downloaded"
	CodeInRunDuplicate  ErrorCode = "in_run_dup"
	CodeExistsOK        ErrorCode = "exists_ok"
)

// HTTPStatusCode maps a non-2xx response status onto the code vocabulary.
func HTTPStatusCode(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return CodeHTTP401
	case status == http.StatusForbidden:
		return CodeHTTP403
	case status == http.StatusNotFound:
		return CodeHTTP404
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 500:
		return CodeHTTP5xx
	case status >= 400:
		return CodeHTTP4xx
	default:
		return CodeInternal
	}
}
