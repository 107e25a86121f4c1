package web

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot or will not process the request due to an apparent client error.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusRequestTimeout: {
		Title:   "408 Request Timeout",
		Heading: "Request Timeout",
		Message: "The server timed out waiting for the request to complete.",
	},
	http.StatusRequestEntityTooLarge: {
		Title:   "413 Content Too Large",
		Heading: "Content Too Large",
		Message: "The request body exceeds the limits configured for this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusNotImplemented: {
		Title:   "501 Not Implemented",
		Heading: "Not Implemented",
		Message: "The server does not support the functionality required to fulfill the request.",
	},
	http.StatusServiceUnavailable: {
		Title:   "503 Service Unavailable",
		Heading: "Service Unavailable",
		Message: "The server is currently unable to handle the request.",
	},
	http.StatusHTTPVersionNotSupported: {
		Title:   "505 HTTP Version Not Supported",
		Heading: "HTTP Version Not Supported",
		Message: "The server does not support the HTTP protocol version used in the request.",
	},
}

// PrefersJSON checks if the client prefers application/json over text/html
// based on the Accept header value. Ties and absence default to HTML.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, partStr := range strings.Split(acceptHeaderValue, ",") {
		partStr = strings.TrimSpace(partStr)
		mediaType := partStr
		qValue := 1.0

		if idx := strings.Index(partStr, ";"); idx != -1 {
			mediaType = strings.TrimSpace(partStr[:idx])
			for _, param := range strings.Split(partStr[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if strings.HasPrefix(param, "q=") {
					if q, err := strconv.ParseFloat(param[2:], 64); err == nil && q >= 0 && q <= 1 {
						qValue = q
					} else {
						qValue = 0
					}
					break
				}
			}
		}
		// A q-value of 0 means the media type is rejected (RFC 9110 §12.4.2).
		if qValue > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         qValue,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// ErrorResponse builds the default error response for a status code,
// negotiating JSON vs HTML from the request's Accept header. detail may be
// empty; when present it is included in the body.
func ErrorResponse(status int, detail string, requestHeaders Headers) *Response {
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "Error"
	}

	if PrefersJSON(requestHeaders.Get("accept")) {
		body, err := json.Marshal(ErrorResponseJSON{
			Error: ErrorDetail{StatusCode: status, Message: statusText, Detail: detail},
		})
		if err == nil {
			return BytesResponse(status, "application/json; charset=utf-8", body)
		}
		// Marshalling a flat struct of strings cannot realistically fail;
		// fall through to HTML if it somehow does.
	}

	msg, ok := defaultHTMLMessages[status]
	if !ok {
		msg.Title = fmt.Sprintf("%d %s", status, statusText)
		msg.Heading = statusText
		msg.Message = "The request could not be completed."
	}
	if detail != "" {
		msg.Message = detail
	}
	body := fmt.Sprintf(
		"<!DOCTYPE html>\n<html>\n<head><title>%s</title></head>\n<body>\n<h1>%s</h1>\n<p>%s</p>\n</body>\n</html>\n",
		html.EscapeString(msg.Title), html.EscapeString(msg.Heading), html.EscapeString(msg.Message),
	)
	return BytesResponse(status, "text/html; charset=utf-8", []byte(body))
}
