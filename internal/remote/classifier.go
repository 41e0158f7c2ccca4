package remote

import (
	"fmt"
	"net/http"
	"strings"
)

// faultEnvelope is the error shape the remote system returns alongside
// non-2xx responses.
type faultEnvelope struct {
	Message     string `json:"message"`
	Code        string `json:"code"`
	ServiceName string `json:"serviceName"`
}

// faultCodeProcessingNoResult marks a server-side processing fault that
// completed without producing a remote identifier. The remote system reports
// it as a generic fault, but resubmitting the same payload can never finish,
// so it classifies as a validation failure rather than a transport one.
const faultCodeProcessingNoResult = "PROCESSING_FAULT_NO_RESULT"

// Legacy agents of the remote system omit the fault code and only carry the
// signature inside the message text.
const processingFaultSignature = "processing fault: no result produced"

// classify turns an HTTP response into an Outcome. The rule is deliberately
// a standalone function over the structured fault shape so its edge cases
// stay unit-testable.
func classify(statusCode int, remoteID string, fault faultEnvelope) Outcome {
	if statusCode >= 200 && statusCode < 300 {
		if remoteID == "" {
			// A 2xx without an identifier is the same non-completable
			// processing fault wearing a success status.
			return ValidationFailure(faultMessage(fault, "remote accepted without assigning an identifier"))
		}
		return Success(remoteID, nil)
	}

	if isProcessingFault(fault) {
		return ValidationFailure(faultMessage(fault, "remote processing fault produced no identifier"))
	}

	if statusCode >= 400 && statusCode < 500 {
		return ValidationFailure(faultMessage(fault, fmt.Sprintf("remote rejected request (%d)", statusCode)))
	}

	return TransportFailure(faultMessage(fault, fmt.Sprintf("remote unavailable (%d %s)", statusCode, http.StatusText(statusCode))))
}

func isProcessingFault(fault faultEnvelope) bool {
	if fault.Code == faultCodeProcessingNoResult {
		return true
	}
	return strings.Contains(strings.ToLower(fault.Message), processingFaultSignature)
}

func faultMessage(fault faultEnvelope, fallback string) string {
	if strings.TrimSpace(fault.Message) != "" {
		return fault.Message
	}
	return fallback
}
