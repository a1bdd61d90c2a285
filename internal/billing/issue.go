package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// issueResponse is the union of fields the hosted flows hand back to the
// client after billing-key issuance.
type issueResponse struct {
	BillingKey string `json:"billingKey"`
	SessionID  string `json:"sessionId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// cancelCodes are response codes that mean the customer closed the flow.
var cancelCodes = map[string]bool{
	"PORTONE_USER_CANCEL": true,
	"USER_CANCEL":         true,
}

// parseIssueResponse classifies a hosted-flow response. An empty body, a
// JSON null, or an empty object is a cancellation.
func parseIssueResponse(provider string, raw json.RawMessage) (issueResponse, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return issueResponse{}, ErrUserCancelled
	}

	var resp issueResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return issueResponse{}, &GatewayError{
			Provider: provider,
			Kind:     KindRejected,
			Message:  "unreadable billing key response",
			Err:      fmt.Errorf("decode issue response: %w", err),
		}
	}

	code := strings.TrimSpace(resp.Code)
	switch {
	case cancelCodes[strings.ToUpper(code)]:
		return issueResponse{}, ErrUserCancelled
	case code != "":
		msg := resp.Message
		if msg == "" {
			msg = "billing key issuance failed"
		}
		return issueResponse{}, &GatewayError{Provider: provider, Kind: KindRejected, Code: code, Message: msg}
	case resp.BillingKey == "" && resp.SessionID == "":
		return issueResponse{}, ErrUserCancelled
	}
	return resp, nil
}
