// Package serviceconfig defines the status codes, per-method retry/hedging
// policies, and the small subset of gRPC service-config shape this core
// consumes. Full JSON service-config parsing is out of scope (spec.md §1);
// resolvers hand a *ServiceConfig to the channel directly.
package serviceconfig

import "fmt"

// Code is a gRPC status code. Values match the well-known gRPC status code
// space so trailer/header integers (grpc-status) map onto it directly,
// without importing google.golang.org/grpc/codes.
type Code int

const (
	OK Code = iota
	Canceled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = map[Code]string{
	OK: "OK", Canceled: "Canceled", Unknown: "Unknown",
	InvalidArgument: "InvalidArgument", DeadlineExceeded: "DeadlineExceeded",
	NotFound: "NotFound", AlreadyExists: "AlreadyExists",
	PermissionDenied: "PermissionDenied", ResourceExhausted: "ResourceExhausted",
	FailedPrecondition: "FailedPrecondition", Aborted: "Aborted",
	OutOfRange: "OutOfRange", Unimplemented: "Unimplemented", Internal: "Internal",
	Unavailable: "Unavailable", DataLoss: "DataLoss", Unauthenticated: "Unauthenticated",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Status is a minimal (code, message) pair, the core's stand-in for the
// public grpc.Status type (out of scope per spec.md §1).
type Status struct {
	Code    Code
	Message string
}

// OKStatus is the canonical success status.
var OKStatus = Status{Code: OK}

func (s Status) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", s.Code, s.Message)
}

// IsOK reports whether s represents success.
func (s Status) IsOK() bool { return s.Code == OK }

// New builds a Status.
func New(code Code, message string) Status {
	return Status{Code: code, Message: message}
}
