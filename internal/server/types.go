package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Tyrowin/investor-relay/internal/state"
)

// Inbound event names.
const (
	EventInvestorJoin    = "investor-join"
	EventInvestorMessage = "investor-message"
	EventAdminMessage    = "admin-message"
	EventFileUploadStart = "file-upload-start"
)

// Outbound event names. EventAdminMessage and EventFileUploadStart are also
// sent outbound.
const (
	EventNewInvestor    = "new-investor"
	EventInvestorJoined = "investor-joined"
	EventNewMessage     = "new-message"
	EventInvestorLeft   = "investor-left"
	EventFileUploaded   = "file-uploaded"
	EventError          = "error"
)

// Error codes carried by EventError.
const (
	CodeInvalidEvent    = "invalid_event"
	CodeUnknownInvestor = "unknown_investor"
	CodeNotIdentified   = "not_identified"
	CodeForbidden       = "forbidden"
	CodeRateLimited     = "rate_limited"
)

// Envelope is the JSON frame exchanged over the WebSocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JoinPayload is the data of investor-join.
type JoinPayload struct {
	InvestorID string `json:"investorId" validate:"omitempty,max=128,printascii"`
}

// InvestorMessagePayload is the data of investor-message.
type InvestorMessagePayload struct {
	Message string `json:"message" validate:"required"`
}

// AdminMessagePayload is the data of inbound admin-message.
type AdminMessagePayload struct {
	InvestorID string `json:"investorId" validate:"required,max=128"`
	Message    string `json:"message" validate:"required"`
}

// NewInvestorEvent announces a first join or a reconnect to admin observers.
type NewInvestorEvent struct {
	InvestorID string    `json:"investorId"`
	JoinTime   time.Time `json:"joinTime"`
	IP         string    `json:"ip"`
	Outcome    string    `json:"outcome"`
}

// InvestorJoinedEvent acknowledges investor-join to the joining connection.
type InvestorJoinedEvent struct {
	InvestorID string `json:"investorId"`
	Outcome    string `json:"outcome"`
}

// InvestorLeftEvent announces that an investor's connection dropped.
type InvestorLeftEvent struct {
	InvestorID string `json:"investorId"`
}

// FileUploadedEvent announces a stored upload.
type FileUploadedEvent struct {
	state.UploadedFile
	URL string `json:"url"`
}

// ErrorEvent reports a rejected inbound event to the sender only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
