package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/sealkit/internal/failure"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A kernel check failed (gate closed, digest drift, accounting failure)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, I/O)
)

// ErrCodeCommand is reported for errors that carry no kernel failure code.
const ErrCodeCommand = "E_COMMAND"

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // kernel failure code or E_COMMAND
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// Success outputs a successful result in the configured format. text is
// printed in text mode; data is the JSON payload.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and converts it to an ExitError. Kernel failures exit
// with ExitFailure, except E_IO which, like every uncoded error, is a
// command error.
func (f *OutputFormatter) Fail(err error) error {
	code := failure.CodeOf(err)
	if code == "" {
		_ = f.Error(ErrCodeCommand, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeCommand, err)
	}

	var fe *failure.Error
	errors.As(err, &fe)
	var details any
	if len(fe.Details) > 0 {
		details = fe.Details
	}
	_ = f.Error(string(code), fe.Message, details)

	exit := ExitFailure
	if code == failure.CodeIO {
		exit = ExitCommandError
	}
	return WrapExitError(exit, string(code), err)
}

// Report outputs a collect-all report. A failing report is rendered as an
// error envelope listing every failure and yields an ExitFailure error.
func (f *OutputFormatter) Report(r failure.Report, data any, text string) error {
	if r.Passed {
		return f.Success(data, text)
	}

	if f.Format == "json" {
		if err := f.Error(string(r.Failures[0].Code), fmt.Sprintf("%d failure(s)", len(r.Failures)), r.Failures); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "FAILED: %d failure(s)\n", len(r.Failures))
		for _, fl := range r.Failures {
			fmt.Fprintf(f.Writer, "  %s\n", fl)
			if f.Verbose {
				keys := make([]string, 0, len(fl.Details))
				for k := range fl.Details {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(f.Writer, "    %s: %s\n", k, fl.Details[k])
				}
			}
		}
	}
	return WrapExitError(ExitFailure, string(r.Failures[0].Code), r.Err())
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
