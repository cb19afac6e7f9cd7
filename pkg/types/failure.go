package types

import "fmt"

// FailureKind classifies a job or operation failure. Kinds map 1:1 to the
// stable textual codes surfaced through the APIs and CLI.
type FailureKind string

const (
	FailureInvalidDefinition         FailureKind = "InvalidDefinition"
	FailureSchedulingTimeout         FailureKind = "SchedulingTimeout"
	FailureProvisioningFailed        FailureKind = "ProvisioningFailed"
	FailureWorkerProvisioningTimeout FailureKind = "WorkerProvisioningTimeout"
	FailureWorkerLost                FailureKind = "WorkerLost"
	FailureStepFailure               FailureKind = "StepFailure"
	FailureTimeout                   FailureKind = "Timeout"
	FailureMissingArtifact           FailureKind = "MissingArtifact"
	FailureCancelled                 FailureKind = "Cancelled"
	FailureInternal                  FailureKind = "Internal"
)

var failureCodes = map[FailureKind]string{
	FailureInvalidDefinition:         "E_INVALID_DEFINITION",
	FailureSchedulingTimeout:         "E_SCHED_TIMEOUT",
	FailureProvisioningFailed:        "E_PROVISION_FAILED",
	FailureWorkerProvisioningTimeout: "E_PROVISION_TIMEOUT",
	FailureWorkerLost:                "E_WORKER_LOST",
	FailureStepFailure:               "E_STEP_FAILURE",
	FailureTimeout:                   "E_TIMEOUT",
	FailureMissingArtifact:           "E_MISSING_ARTIFACT",
	FailureCancelled:                 "E_CANCELLED",
	FailureInternal:                  "E_INTERNAL",
}

// Code returns the stable textual code for the kind.
func (k FailureKind) Code() string {
	if c, ok := failureCodes[k]; ok {
		return c
	}
	return failureCodes[FailureInternal]
}

// ExitCode returns the process exit code category for the kind.
// Zero is reserved for success.
func (k FailureKind) ExitCode() int {
	switch k {
	case FailureInvalidDefinition:
		return 2
	case FailureSchedulingTimeout:
		return 3
	case FailureProvisioningFailed, FailureWorkerProvisioningTimeout:
		return 4
	case FailureWorkerLost:
		return 5
	case FailureStepFailure:
		return 6
	case FailureTimeout:
		return 7
	case FailureMissingArtifact:
		return 8
	case FailureCancelled:
		return 9
	}
	return 1
}

// Failure is a classified failure with its originating context
type Failure struct {
	Kind          FailureKind
	Message       string
	Stage         string // StepFailure, Timeout, MissingArtifact
	Step          string // StepFailure
	ExitCode      int    // StepFailure
	CorrelationID string // Internal
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a classified failure.
func NewFailure(kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// StepFailureError builds a StepFailure carrying stage/step context.
func StepFailureError(stage, step string, exitCode int) *Failure {
	return &Failure{
		Kind:     FailureStepFailure,
		Message:  fmt.Sprintf("step %s in stage %s exited with code %d", step, stage, exitCode),
		Stage:    stage,
		Step:     step,
		ExitCode: exitCode,
	}
}

// ClassifyFailure maps an arbitrary error to a Failure, preserving an
// existing classification when present.
func ClassifyFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return &Failure{Kind: FailureInternal, Message: err.Error()}
}
