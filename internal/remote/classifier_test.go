package remote

import "testing"

func TestClassifySuccess(t *testing.T) {
	outcome := classify(200, "7421", faultEnvelope{})
	if outcome.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", outcome.Status)
	}
	if outcome.RemoteID != "7421" {
		t.Fatalf("expected remote id to carry through, got %q", outcome.RemoteID)
	}
}

func TestClassifyClientErrorsAreValidationFailures(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		fault      faultEnvelope
	}{
		{name: "explicit rejection", statusCode: 422, fault: faultEnvelope{Message: "credit limit exceeded"}},
		{name: "bad request", statusCode: 400, fault: faultEnvelope{}},
		{name: "conflict", statusCode: 409, fault: faultEnvelope{Message: "duplicate order"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			outcome := classify(test.statusCode, "", test.fault)
			if outcome.Status != StatusValidationFailure {
				t.Fatalf("expected validation failure, got %s", outcome.Status)
			}
		})
	}
}

func TestClassifyServerErrorsAreTransportFailures(t *testing.T) {
	for _, statusCode := range []int{500, 502, 503, 504} {
		outcome := classify(statusCode, "", faultEnvelope{Message: "upstream unavailable"})
		if outcome.Status != StatusTransportFailure {
			t.Fatalf("expected transport failure for %d, got %s", statusCode, outcome.Status)
		}
	}
}

func TestClassifyNormalizesProcessingFault(t *testing.T) {
	tests := []struct {
		name  string
		fault faultEnvelope
	}{
		{
			name:  "structured fault code",
			fault: faultEnvelope{Code: faultCodeProcessingNoResult, Message: "internal service fault"},
		},
		{
			name:  "legacy message signature",
			fault: faultEnvelope{Message: "Processing fault: no result produced by OrderService"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// Arrives as a generic server fault, but resubmission can never
			// complete, so it must not stay retryable.
			outcome := classify(500, "", test.fault)
			if outcome.Status != StatusValidationFailure {
				t.Fatalf("expected normalized validation failure, got %s", outcome.Status)
			}
		})
	}
}

func TestClassifySuccessWithoutIdentifierIsValidationFailure(t *testing.T) {
	outcome := classify(200, "", faultEnvelope{})
	if outcome.Status != StatusValidationFailure {
		t.Fatalf("expected validation failure for 2xx without identifier, got %s", outcome.Status)
	}
}

func TestClassifyPrefersRemoteMessage(t *testing.T) {
	outcome := classify(422, "", faultEnvelope{Message: "tax group missing"})
	if outcome.Message != "tax group missing" {
		t.Fatalf("expected remote message to surface, got %q", outcome.Message)
	}
}
