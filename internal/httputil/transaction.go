package httputil

import (
	"strconv"

	"github.com/getsentry/sentry-go"
)

const (
	HTTPStatusCodeTag      = "http.response.status_code"
	ContentEncodingTag     = "http.request.content_encoding"
	identityContentEncoded = "identity"
)

// SetHTTPStatusCodeTag sets the status code and payload encoding tags of
// the current request on the top-level transaction.
func SetHTTPStatusCodeTag(e *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if hint == nil || (hint.Response == nil && hint.Request == nil) {
		return e
	}
	if e.Tags == nil {
		e.Tags = make(map[string]string)
	}
	if _, exists := e.Tags[HTTPStatusCodeTag]; !exists && hint.Response != nil {
		e.Tags[HTTPStatusCodeTag] = strconv.Itoa(hint.Response.StatusCode)
	}
	if hint.Request != nil {
		encoding := hint.Request.Header.Get("Content-Encoding")
		if encoding == "" {
			encoding = identityContentEncoded
		}
		e.Tags[ContentEncodingTag] = encoding
	}
	return e
}
