package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"rehoboth/internal/apperrors"
)

// CallbackMetadataItem is one Name/Value pair of the callback metadata. Values are numbers or
// strings depending on the field, so they are kept raw until read.
type CallbackMetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// STKCallback is the body of an asynchronous push result.
type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []CallbackMetadataItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// Acknowledgement is what the provider expects back from the callback endpoint.
type Acknowledgement struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// CallbackReceived is returned for every callback, whatever happened while processing it.
var CallbackReceived = Acknowledgement{ResultCode: 0, ResultDesc: "Callback received successfully"}

// ParseCallback decodes the {"Body":{"stkCallback":{...}}} envelope.
func ParseCallback(body []byte) (*STKCallback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed callback: %v", apperrors.ErrValidation, err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: callback has no stkCallback body", apperrors.ErrValidation)
	}
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: callback has no CheckoutRequestID", apperrors.ErrValidation)
	}
	return cb, nil
}

// Succeeded reports whether the customer completed the payment.
func (cb *STKCallback) Succeeded() bool { return cb.ResultCode == 0 }

// Metadata returns the raw text of a metadata value, or "" if absent. String values are unquoted;
// numbers are returned as written, so phone numbers never pass through a float.
func (cb *STKCallback) Metadata(name string) string {
	if cb.CallbackMetadata == nil {
		return ""
	}
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name != name || len(item.Value) == 0 {
			continue
		}
		raw := bytes.TrimSpace(item.Value)
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s
			}
		}
		if string(raw) == "null" {
			return ""
		}
		return string(raw)
	}
	return ""
}

// ReceiptNumber returns the MpesaReceiptNumber metadata value.
func (cb *STKCallback) ReceiptNumber() string { return cb.Metadata("MpesaReceiptNumber") }

// PhoneNumber returns the PhoneNumber metadata value.
func (cb *STKCallback) PhoneNumber() string { return cb.Metadata("PhoneNumber") }

// Amount returns the Amount metadata value, or false if it is absent or not a number.
func (cb *STKCallback) Amount() (float64, bool) {
	raw := strings.TrimSpace(cb.Metadata("Amount"))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
