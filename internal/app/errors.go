package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errRealtimeUnavailable    = domainError(http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime is not available", nil)
	errAttachmentsUnavailable = domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
	errExportUnavailable      = domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not available", nil)
	errSearchUnavailable      = domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not available", nil)
)
