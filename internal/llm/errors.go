package llm

import "errors"

// Provider error kinds. Callers branch on these with errors.Is;
// cancellation surfaces as the context error.
var (
	// ErrRateLimited is a 429 from the provider.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrOverloaded is a 5xx/overloaded condition; the failover client
	// switches providers on it.
	ErrOverloaded = errors.New("llm: overloaded")
	// ErrInvalidRequest is a 4xx the caller cannot retry.
	ErrInvalidRequest = errors.New("llm: invalid request")
)

func classifyStatus(status int, err error) error {
	switch {
	case status == 429:
		return errors.Join(ErrRateLimited, err)
	case status >= 500:
		return errors.Join(ErrOverloaded, err)
	case status >= 400:
		return errors.Join(ErrInvalidRequest, err)
	default:
		return err
	}
}
