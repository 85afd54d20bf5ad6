package control

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tiroq/obsoutput/internal/diaglog"
	"github.com/tiroq/obsoutput/internal/engine"
	"github.com/tiroq/obsoutput/internal/output"
)

// requestError carries the status code a failed request answers with.
type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{RequestType: req.RequestType, RequestID: req.RequestID}

	data, err := s.handle(ctx, req)
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentControl,
		Event:     diaglog.EventControlRequest,
		Reason:    errString(err),
		Payload:   map[string]interface{}{"request_type": req.RequestType, "request_id": req.RequestID},
	})
	if err != nil {
		resp.RequestStatus = RequestStatus{Code: codeOf(err), Comment: err.Error()}
		s.logger.Debug().Err(err).
			Str("event", "control.request_failed").
			Str("request_type", req.RequestType).
			Int("code", resp.RequestStatus.Code).
			Msg("control request failed")
		return resp
	}

	resp.RequestStatus = RequestStatus{Result: true, Code: CodeSuccess}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			resp.RequestStatus = RequestStatus{Code: CodeRequestProcessingFailed, Comment: err.Error()}
			return resp
		}
		resp.ResponseData = raw
	}
	return resp
}

func (s *Server) handle(ctx context.Context, req *Request) (interface{}, error) {
	switch req.RequestType {
	case "":
		return nil, &requestError{CodeMissingRequestType, "missing requestType"}

	case ReqListKinds:
		var in ListKindsRequest
		if len(req.RequestData) > 0 {
			if err := json.Unmarshal(req.RequestData, &in); err != nil {
				return nil, &requestError{CodeInvalidRequestField, err.Error()}
			}
		}
		return map[string]interface{}{"kinds": s.eng.Kinds(in.Locale)}, nil

	case ReqListOutputs:
		return map[string]interface{}{"outputs": s.eng.Snapshot()}, nil

	case ReqGetOutputStatus:
		name, err := outputName(req)
		if err != nil {
			return nil, err
		}
		inst, err := s.eng.Get(name)
		if err != nil {
			return nil, err
		}
		return inst.Snapshot(), nil

	case ReqStartOutput, ReqStopOutput, ReqPauseOutput, ReqUnpauseOutput:
		name, err := outputName(req)
		if err != nil {
			return nil, err
		}
		op := map[string]func(context.Context, string) error{
			ReqStartOutput:   s.eng.Start,
			ReqStopOutput:    s.eng.Stop,
			ReqPauseOutput:   s.eng.Pause,
			ReqUnpauseOutput: s.eng.Unpause,
		}[req.RequestType]
		return nil, op(ctx, name)

	default:
		return nil, &requestError{CodeUnknownRequestType, "unknown request type " + req.RequestType}
	}
}

func outputName(req *Request) (string, error) {
	var in OutputRequest
	if len(req.RequestData) > 0 {
		if err := json.Unmarshal(req.RequestData, &in); err != nil {
			return "", &requestError{CodeInvalidRequestField, err.Error()}
		}
	}
	if in.OutputName == "" {
		return "", &requestError{CodeMissingRequestField, "missing outputName"}
	}
	return in.OutputName, nil
}

func codeOf(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.code
	case errors.Is(err, engine.ErrOutputNotFound):
		return CodeResourceNotFound
	case errors.Is(err, output.ErrAlreadyActive):
		return CodeOutputRunning
	case errors.Is(err, output.ErrProtocolViolation):
		return CodeInvalidResourceState
	default:
		return CodeRequestProcessingFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
