// Package control serves and consumes the daemon's websocket control
// protocol. Framing follows obs-websocket v5: every message is
// {"op": n, "d": {...}}, with a Hello/Identify/Identified handshake before
// requests and events flow.
package control

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// RPCVersion is the protocol revision spoken by Server and Client.
const RPCVersion = 1

// OpCodes
const (
	OpHello           = 0
	OpIdentify        = 1
	OpIdentified      = 2
	OpEvent           = 5
	OpRequest         = 6
	OpRequestResponse = 7
)

// Request types
const (
	ReqListKinds       = "ListKinds"
	ReqListOutputs     = "ListOutputs"
	ReqGetOutputStatus = "GetOutputStatus"
	ReqStartOutput     = "StartOutput"
	ReqStopOutput      = "StopOutput"
	ReqPauseOutput     = "PauseOutput"
	ReqUnpauseOutput   = "UnpauseOutput"
)

// EventOutputStateChanged carries an OutputStateChanged payload.
const EventOutputStateChanged = "OutputStateChanged"

// EventSubscriptionOutputs subscribes to output lifecycle events.
const EventSubscriptionOutputs = 1 << 6

// Request status codes, numbered as in obs-websocket.
const (
	CodeSuccess                 = 100
	CodeMissingRequestType      = 203
	CodeUnknownRequestType      = 204
	CodeMissingRequestField     = 300
	CodeInvalidRequestField     = 400
	CodeOutputRunning           = 500
	CodeOutputNotRunning        = 501
	CodeResourceNotFound        = 600
	CodeInvalidResourceState    = 604
	CodeRequestProcessingFailed = 702
)

// Close codes
const (
	CloseNotIdentified        = 4007
	CloseAuthenticationFailed = 4009
	CloseUnsupportedRPC       = 4010
)

type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type Authentication struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type HelloData struct {
	ServerVersion  string          `json:"obsOutputVersion"`
	RPCVersion     int             `json:"rpcVersion"`
	Authentication *Authentication `json:"authentication,omitempty"`
}

type IdentifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type IdentifiedData struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type Request struct {
	RequestType string          `json:"requestType"`
	RequestID   string          `json:"requestId"`
	RequestData json.RawMessage `json:"requestData,omitempty"`
}

type RequestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type Response struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus RequestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

type Event struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// OutputRequest addresses one output by name.
type OutputRequest struct {
	OutputName string `json:"outputName"`
}

// ListKindsRequest selects the locale for display names.
type ListKindsRequest struct {
	Locale string `json:"locale,omitempty"`
}

// OutputStateChanged is the payload of EventOutputStateChanged.
type OutputStateChanged struct {
	OutputName string `json:"outputName"`
	OutputKind string `json:"outputKind"`
	Op         string `json:"op"`
	From       string `json:"from"`
	To         string `json:"to"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
}

// AuthResponse computes base64(sha256(base64(sha256(password+salt))+challenge)).
func AuthResponse(password string, auth Authentication) string {
	secret := sha256.Sum256([]byte(password + auth.Salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	resp := sha256.Sum256([]byte(secretB64 + auth.Challenge))
	return base64.StdEncoding.EncodeToString(resp[:])
}

func encode(op int, d interface{}) (Message, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return Message{}, err
	}
	return Message{Op: op, D: raw}, nil
}
