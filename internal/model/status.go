package model

import (
	"fmt"
	"strings"
)

// Response is the answer a user gives at a checkpoint.
type Response int

const (
	ResponseNone Response = iota
	ResponseContinue
	ResponseOk
	ResponseYes
	ResponseNo
	ResponseRetry
	ResponseSkip
	ResponseIgnore
	ResponseCancel
	ResponseAbort
)

var responseNames = map[Response]string{
	ResponseNone:     "none",
	ResponseContinue: "continue",
	ResponseOk:       "ok",
	ResponseYes:      "yes",
	ResponseNo:       "no",
	ResponseRetry:    "retry",
	ResponseSkip:     "skip",
	ResponseIgnore:   "ignore",
	ResponseCancel:   "cancel",
	ResponseAbort:    "abort",
}

func (r Response) String() string {
	if s, ok := responseNames[r]; ok {
		return s
	}
	return fmt.Sprintf("response(%d)", int(r))
}

// ParseResponse accepts the names printed by String, case-insensitively.
func ParseResponse(s string) (Response, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range responseNames {
		if name == s {
			return r, nil
		}
	}
	return ResponseNone, fmt.Errorf("unknown response %q", s)
}

// Terminates reports whether the response ends the run at a checkpoint.
func (r Response) Terminates() bool {
	return r == ResponseAbort || r == ResponseCancel || r == ResponseIgnore
}
