package capture

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrInvalidItem is returned by Item.Validate when the facet invariant is broken.
var ErrInvalidItem = errors.New("capture: item must carry exactly one of response or failure")

// RequestFacet is the outgoing side of an exchange.
type RequestFacet struct {
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	BodySize  int64       `json:"bodySize"`
	Truncated bool        `json:"truncated,omitempty"`
	SentAt    time.Time   `json:"sentAt"`
}

// ResponseFacet is the response side of a completed exchange.
type ResponseFacet struct {
	StatusCode int         `json:"statusCode"`
	Status     string      `json:"status"`
	Proto      string      `json:"proto,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	BodySize   int64       `json:"bodySize"`
	Truncated  bool        `json:"truncated,omitempty"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// FailureFacet replaces the response when the transport returned an error.
type FailureFacet struct {
	Error    string `json:"error"`
	Canceled bool   `json:"canceled,omitempty"`
}

// Item is the recorded snapshot of one exchange. Items are never modified once
// they are stored; readers always receive copies.
type Item struct {
	Seq        uint64         `json:"seq"`
	ExchangeID string         `json:"exchangeId"`
	Module     string         `json:"module"`
	Request    RequestFacet   `json:"request"`
	Response   *ResponseFacet `json:"response,omitempty"`
	Failure    *FailureFacet  `json:"failure,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`

	// Encrypted reports that the body fields hold ciphertext.
	Encrypted bool `json:"encrypted,omitempty"`
	// EncryptionFailed reports that an Encryptor was configured but the bodies
	// could not be sealed, so they were stored raw.
	EncryptionFailed bool `json:"encryptionFailed,omitempty"`
	// Undecryptable is only ever set on copies handed out by a decrypting read.
	Undecryptable bool `json:"undecryptable,omitempty"`
}

// Validate checks the response/failure invariant.
func (i *Item) Validate() error {
	if (i.Response == nil) == (i.Failure == nil) {
		return ErrInvalidItem
	}
	return nil
}

// Succeeded reports whether the exchange produced a response.
func (i *Item) Succeeded() bool {
	return i.Response != nil
}

// StatusCode returns the response status, or 0 for failed exchanges.
func (i *Item) StatusCode() int {
	if i.Response == nil {
		return 0
	}
	return i.Response.StatusCode
}

// IsJSON reports whether the response declares a JSON content type.
func (i *Item) IsJSON() bool {
	if i.Response == nil {
		return false
	}
	return strings.Contains(i.Response.Header.Get("Content-Type"), "json")
}

// ResponseJSON looks up a gjson path in the response body. An empty path
// returns the whole document. Encrypted or non-JSON bodies never match.
func (i *Item) ResponseJSON(path string) (gjson.Result, bool) {
	if i.Response == nil || i.Encrypted || !gjson.ValidBytes(i.Response.Body) {
		return gjson.Result{}, false
	}
	if path == "" {
		return gjson.ParseBytes(i.Response.Body), true
	}
	result := gjson.GetBytes(i.Response.Body, path)
	return result, result.Exists()
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	out := i
	out.Request.Header = i.Request.Header.Clone()
	out.Request.Body = bytes.Clone(i.Request.Body)
	if i.Response != nil {
		resp := *i.Response
		resp.Header = i.Response.Header.Clone()
		resp.Body = bytes.Clone(i.Response.Body)
		out.Response = &resp
	}
	if i.Failure != nil {
		failure := *i.Failure
		out.Failure = &failure
	}
	return out
}
