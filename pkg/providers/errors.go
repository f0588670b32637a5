package providers

import (
	"fmt"
	"net/http"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
)

// ClassifyHTTPStatus maps an HTTP response status onto the pipeline error
// taxonomy: rate limits and server errors are transient, every other
// non-success is permanent.
func ClassifyHTTPStatus(provider, operation string, status int) *pipeline.Error {
	msg := fmt.Sprintf("%s %s returned HTTP %d", provider, operation, status)

	switch {
	case status == http.StatusTooManyRequests:
		return pipeline.NewTransientError(msg, nil).
			WithStage(operation).WithCode(pipeline.CodeRateLimited)
	case status >= 500:
		return pipeline.NewTransientError(msg, nil).
			WithStage(operation).WithCode(pipeline.CodeProviderFailed)
	default:
		return pipeline.NewPermanentError(msg, nil).
			WithStage(operation).WithCode(pipeline.CodeProviderFailed)
	}
}

// TransportError wraps a network-level failure (DNS, dial, TLS, timeouts)
// as transient.
func TransportError(provider, operation string, err error) *pipeline.Error {
	return pipeline.NewTransientError(
		fmt.Sprintf("%s %s request failed", provider, operation), err).
		WithStage(operation).WithCode(pipeline.CodeProviderFailed)
}

// DecodeError wraps a response-decoding failure as a contract violation:
// the provider answered, but not in the shape its API declares.
func DecodeError(provider, operation string, err error) *pipeline.Error {
	return pipeline.NewContractError(
		fmt.Sprintf("%s %s returned an undecodable response", provider, operation), err).
		WithStage(operation)
}
