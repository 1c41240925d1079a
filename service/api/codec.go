package api

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DecodeRequest decodes one delimited fragment into a Request.
func DecodeRequest(data []byte) (Request, error) {
	tag := gjson.GetBytes(data, "type")
	if !tag.Exists() {
		return nil, fmt.Errorf("request has no type field: %s", data)
	}
	var req Request
	switch tag.String() {
	case "breakpoint_set":
		req = &BreakpointSetRequest{}
	case "breakpoint_unset":
		req = &BreakpointUnsetRequest{}
	case "line_number":
		req = &LineNumberRequest{}
	case "offset":
		req = &OffsetRequest{}
	case "stack_frames":
		req = &StackFramesRequest{}
	case "scopes":
		req = &ScopesRequest{}
	case "variables":
		req = &VariablesRequest{}
	case "continue":
		req = &ContinueRequest{}
	case "pause":
		req = &PauseRequest{}
	default:
		return nil, fmt.Errorf("unknown request type %q", tag.String())
	}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeRequest encodes a Request, tag included, without the zero-byte
// terminator.
func EncodeRequest(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "type", req.requestType())
}

// DecodeResponse decodes one delimited fragment into a Response.
func DecodeResponse(data []byte) (Response, error) {
	tag := gjson.GetBytes(data, "type")
	if !tag.Exists() {
		return nil, fmt.Errorf("response has no type field: %s", data)
	}
	var resp Response
	switch tag.String() {
	case "breakpoint_set":
		resp = &BreakpointSetResponse{}
	case "breakpoint_unset":
		resp = &BreakpointUnsetResponse{}
	case "line_number":
		resp = &LineNumberResponse{}
	case "offset":
		resp = &OffsetResponse{}
	case "stack_frames":
		resp = &StackFramesResponse{}
	case "scopes":
		resp = &ScopesResponse{}
	case "variables":
		resp = &VariablesResponse{}
	case "breakpoint_hit":
		resp = &BreakpointHitResponse{}
	default:
		return nil, fmt.Errorf("unknown response type %q", tag.String())
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// EncodeResponse encodes a Response, tag included, without the
// zero-byte terminator.
func EncodeResponse(resp Response) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "type", resp.responseType())
}
