package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but reported failure
	ExitCommandError = 2 // bad input or environment
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

var (
	successColor = color.New(color.FgGreen).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
	warnColor    = color.New(color.FgYellow).SprintFunc()
	headerColor  = color.New(color.FgCyan, color.Bold).SprintFunc()
	dimColor     = color.New(color.Faint).SprintFunc()
)

// Printer writes command results as text or JSON.
type Printer struct {
	Format string
	Writer io.Writer
}

// cliResponse is the JSON envelope of every command result.
type cliResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *cliError   `json:"error,omitempty"`
}

type cliError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON reports whether output is JSON.
func (p *Printer) JSON() bool { return p.Format == "json" }

// Result prints data as JSON, or calls text for human output.
func (p *Printer) Result(data interface{}, text func(w io.Writer)) error {
	if p.JSON() {
		return json.NewEncoder(p.Writer).Encode(cliResponse{Status: "ok", Data: data})
	}
	text(p.Writer)
	return nil
}

// Fail prints err and returns it wrapped with code.
func (p *Printer) Fail(code int, message string, err error) error {
	if p.JSON() {
		_ = json.NewEncoder(p.Writer).Encode(cliResponse{
			Status: "error",
			Error:  &cliError{Code: string(apperrors.CodeOf(err)), Message: fmt.Sprintf("%s: %v", message, err)},
		})
	} else {
		fmt.Fprintf(p.Writer, "%s %s: %v\n", errorColor("error:"), message, err)
	}
	return WrapExitError(code, message, err)
}

// statusColor renders a queue status with a color hint.
func statusColor(s models.QueueStatus) string {
	switch s {
	case models.QueueStatusCompleted:
		return successColor(s)
	case models.QueueStatusFailed:
		return errorColor(s)
	case models.QueueStatusProcessing:
		return warnColor(s)
	}
	return string(s)
}
