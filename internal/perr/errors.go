// Package perr defines the distinct error kinds produced by the engine.
// Each kind is its own type so callers can errors.As into the one they
// care about instead of matching on strings.
package perr

import "fmt"

// ExitCode maps an error to the process exit status from spec §4.5.
func ExitCode(err error) int {
	switch err.(type) {
	case nil:
		return 0
	case *AliasConflict, *UnknownAlias, *InvalidSpec, *PathInvalid:
		return 1
	case *TemplateUndefined, *TemplateRenderError, *FilterError:
		return 2
	case *SchemaIncompatible, *OutputSchemaError:
		return 3
	case *ProviderError:
		return 4
	case *Timeout:
		return 5
	case *CanceledByUser:
		return 6
	case *PathDenied, *SymlinkLoop:
		return 7
	default:
		return 1
	}
}

// PathDenied is raised when the Path-Security Gate refuses a path under the
// active policy.
type PathDenied struct {
	Path   string
	Reason string
}

func (e *PathDenied) Error() string {
	return fmt.Sprintf("path denied: %s: %s", e.Path, e.Reason)
}

// PathInvalid is raised for structurally bad paths (empty/NUL components).
type PathInvalid struct {
	Path   string
	Reason string
}

func (e *PathInvalid) Error() string {
	return fmt.Sprintf("invalid path: %s: %s", e.Path, e.Reason)
}

// SymlinkLoop is raised when a symlink chain exceeds the depth limit or
// revisits a path already seen while resolving.
type SymlinkLoop struct {
	Path string
}

func (e *SymlinkLoop) Error() string {
	return fmt.Sprintf("symlink loop or chain too long: %s", e.Path)
}

// AliasConflict is raised when two attachments resolve to the same alias.
type AliasConflict struct {
	Alias string
}

func (e *AliasConflict) Error() string {
	return fmt.Sprintf("alias conflict: %s", e.Alias)
}

// UnknownAlias is raised by AttachmentRegistry.ByAlias for an unregistered name.
type UnknownAlias struct {
	Alias string
}

func (e *UnknownAlias) Error() string {
	return fmt.Sprintf("unknown alias: %s", e.Alias)
}

// InvalidSpec is raised for a malformed attachment spec (e.g. empty target set).
type InvalidSpec struct {
	Spec   string
	Reason string
}

func (e *InvalidSpec) Error() string {
	return fmt.Sprintf("invalid attachment spec %q: %s", e.Spec, e.Reason)
}

// ContentNotAvailable is raised when a template accesses .content on an
// attachment that was not routed to the prompt target.
type ContentNotAvailable struct {
	Alias string
}

func (e *ContentNotAvailable) Error() string {
	return fmt.Sprintf("content not available for %q: not routed to prompt target", e.Alias)
}

// TemplateUndefined is raised for any undefined variable or missing attribute
// access during render.
type TemplateUndefined struct {
	Name string
	Pos  string
}

func (e *TemplateUndefined) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("undefined template reference %q at %s", e.Name, e.Pos)
	}
	return fmt.Sprintf("undefined template reference %q", e.Name)
}

// TemplateRenderError wraps any other rendering failure with source location.
type TemplateRenderError struct {
	Pos     string
	Message string
	Cause   error
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("template render error at %s: %s", e.Pos, e.Message)
}

func (e *TemplateRenderError) Unwrap() error { return e.Cause }

// FilterError is raised by a filter invocation that cannot produce a result
// for its input (e.g. aggregate over non-numeric values).
type FilterError struct {
	Filter  string
	Message string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %q failed: %s", e.Filter, e.Message)
}

// SchemaIncompatible is raised when the user's schema cannot be normalized
// into the provider's structured-output constraints.
type SchemaIncompatible struct {
	Path   string
	Reason string
}

func (e *SchemaIncompatible) Error() string {
	return fmt.Sprintf("schema incompatible (%s): %s", e.Path, e.Reason)
}

// OutputParseError is raised when the provider body cannot be parsed or
// recovered as a single JSON object.
type OutputParseError struct {
	Position int
	Excerpt  string
}

func (e *OutputParseError) Error() string {
	return fmt.Sprintf("output parse error at byte %d: %s", e.Position, e.Excerpt)
}

// OutputSchemaError is raised when a successfully parsed object fails
// validation against the user's original schema.
type OutputSchemaError struct {
	Pointer string
	Reason  string
}

func (e *OutputSchemaError) Error() string {
	return fmt.Sprintf("output schema violation at %s: %s", e.Pointer, e.Reason)
}

// ProviderError wraps a non-retryable or retry-exhausted provider failure.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%d): %s", e.Code, e.Message)
}

// Timeout is raised when a provider call exceeds the configured timeout
// after exhausting retries.
type Timeout struct {
	Seconds int
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("timed out after %ds", e.Seconds)
}

// CanceledByUser is raised when the run is aborted via cooperative cancellation.
type CanceledByUser struct{}

func (e *CanceledByUser) Error() string { return "canceled by user" }

// LimitExceeded is raised when a configured resource limit (file size, cost)
// is exceeded.
type LimitExceeded struct {
	Limit   string
	Message string
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("limit exceeded (%s): %s", e.Limit, e.Message)
}
