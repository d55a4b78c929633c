// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cliutil

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pxdev/px/pkg/pxerr"
)

// Status is one of ExecutionOutcome's three states (spec §4 CLI surface: "Each command
// returns an ExecutionOutcome { status: ok|user-error|error, message, details: JSON }").
type Status string

const (
	StatusOK        Status = "ok"
	StatusUserError Status = "user-error"
	StatusError     Status = "error"
)

// ExecutionOutcome is the uniform result every px command produces (spec §4).
type ExecutionOutcome struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Outcome classifies err into an ExecutionOutcome: nil becomes StatusOK, a *pxerr.UserError
// keeps its message/details, anything else collapses to StatusError (spec §7: "the dispatcher
// collapses it to reason=internal_error").
func Outcome(okMessage string, details map[string]any, err error) ExecutionOutcome {
	if err == nil {
		return ExecutionOutcome{Status: StatusOK, Message: okMessage, Details: details}
	}
	if ue, ok := pxerr.AsUserError(err); ok {
		d := ue.Details
		if d == nil {
			d = map[string]any{}
		}
		if ue.Reason != "" {
			d["reason"] = string(ue.Reason)
		}
		if ue.Hint != "" {
			d["hint"] = ue.Hint
		}
		return ExecutionOutcome{Status: StatusUserError, Message: ue.Message, Details: d}
	}
	return ExecutionOutcome{Status: StatusError, Message: err.Error(), Details: map[string]any{"reason": string(pxerr.ReasonInternal)}}
}

// Render writes outcome to w: JSON when asJSON, else a one-line human message. It returns an
// error suitable for a cobra RunE's return value (nil for StatusOK) so main()'s exit-code
// handling (spec: "Exit code: 0 for ok, non-zero for anything else") stays centralized there.
func Render(w io.Writer, outcome ExecutionOutcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, outcome.Message)
	}
	if outcome.Status != StatusOK {
		return fmt.Errorf("%s", outcome.Message)
	}
	return nil
}
