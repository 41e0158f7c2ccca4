package remote

// OutcomeStatus is the closed set of results a submission can produce.
type OutcomeStatus string

const (
	// StatusSuccess means the remote system accepted the mutation and assigned an identifier.
	StatusSuccess OutcomeStatus = "SUCCESS"
	// StatusValidationFailure means the remote system rejected the business
	// content; retrying with the same payload cannot help.
	StatusValidationFailure OutcomeStatus = "VALIDATION_FAILURE"
	// StatusTransportFailure means the request never completed cleanly;
	// retrying later may succeed.
	StatusTransportFailure OutcomeStatus = "TRANSPORT_FAILURE"
)

// Outcome is the structured result of one remote submission attempt.
type Outcome struct {
	Status   OutcomeStatus
	RemoteID string
	Message  string
	Extra    map[string]string
}

// Success builds a successful outcome carrying the remote-assigned identifier.
func Success(remoteID string, extra map[string]string) Outcome {
	return Outcome{Status: StatusSuccess, RemoteID: remoteID, Extra: extra}
}

// ValidationFailure builds a terminal rejection outcome.
func ValidationFailure(message string) Outcome {
	return Outcome{Status: StatusValidationFailure, Message: message}
}

// TransportFailure builds a retryable infrastructure-failure outcome.
func TransportFailure(message string) Outcome {
	return Outcome{Status: StatusTransportFailure, Message: message}
}
