package textmeta

import "fmt"

// maxQuoted bounds how much of an offending token is kept in an error.
const maxQuoted = 64

// DecodeError reports a token that was dropped. The rest of the chunk is
// still decoded.
type DecodeError struct {
	// Token is the (possibly truncated) offending input
	Token string
	// Reason is a short description of why the token was dropped
	Reason string
	// Err is the underlying parse error, if any
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("textmeta: %s %q: %v", e.Reason, e.Token, e.Err)
	}
	return fmt.Sprintf("textmeta: %s %q", e.Reason, e.Token)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func newDecodeError(token []byte, reason string, err error) *DecodeError {
	s := string(token)
	if len(s) > maxQuoted {
		s = s[:maxQuoted] + "..."
	}
	return &DecodeError{Token: s, Reason: reason, Err: err}
}
