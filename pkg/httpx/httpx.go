// Package httpx carries the small HTTP plumbing shared by the seller service
// and the buyer client: request identifiers, strict JSON decoding, and the
// wire shape for protocol errors.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
)

// NewRequestID mints a caller-correlatable request identifier.
func NewRequestID() string { return "req_" + uuid.NewString() }

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON strictly decodes the request body into dst.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// Methods dispatched through the /apex endpoint.
const (
	MethodEstimate = "apex/estimate"
	MethodPropose  = "apex/propose"
	MethodCounter  = "apex/counter"
	MethodAccept   = "apex/accept"
	MethodReject   = "apex/reject"
	MethodStatus   = "apex/status"
)

// RPCRequest is the dispatch envelope every protocol message travels in.
type RPCRequest struct {
	RequestID string          `json:"request_id,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
}

// RPCResponse carries either a result or a protocol error, never both, and
// echoes the caller's request id.
type RPCResponse struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *apexerr.Error  `json:"error,omitempty"`
}

// ErrorBody is the wire shape of a protocol error response.
type ErrorBody struct {
	RequestID string         `json:"request_id"`
	Error     *apexerr.Error `json:"error"`
}

// WriteProtocolError writes a structured protocol error, echoing the caller's
// request id (or minting one if the caller supplied none).
func WriteProtocolError(w http.ResponseWriter, status int, requestID string, err *apexerr.Error) {
	if requestID == "" {
		requestID = NewRequestID()
	}
	WriteJSON(w, status, ErrorBody{RequestID: requestID, Error: err})
}
