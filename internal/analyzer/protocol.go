// Package analyzer discovers analyzer services on the message bus and talks
// to them over request/reply.
package analyzer

import (
	"encoding/json"
	"fmt"

	"github.com/msageha/launchanalyzer/internal/model"
)

const ProtocolVersion = 1

// Request is the envelope sent to an analyzer route.
type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Route           model.Route     `json:"route"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope an analyzer replies with.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownRoute     = "UNKNOWN_ROUTE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

func NewRequest(route model.Route, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Route:           route,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// DecodeResponse unwraps a reply envelope into v. An error envelope, a
// protocol mismatch or undecodable payload is reported as an error.
func DecodeResponse(payload []byte, v any) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if !resp.Success {
		if resp.Error != nil {
			return fmt.Errorf("analyzer error %s: %s", resp.Error.Code, resp.Error.Message)
		}
		return fmt.Errorf("analyzer error: unsuccessful reply without detail")
	}
	if v == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}
