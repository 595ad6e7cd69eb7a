package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every StageError carries exactly one of these as its Kind so
// callers can branch with errors.Is.
var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrIntegrity           = errors.New("integrity check failed")
	ErrConfiguration       = errors.New("missing prerequisite")
	ErrDownload            = errors.New("download failed")
	ErrSourceLayout        = errors.New("unrecognized source layout")
	ErrCompile             = errors.New("compile failed")
	ErrLink                = errors.New("link failed")
	ErrAssembly            = errors.New("assembly failed")
)

// StageError is a fatal pipeline failure attributed to one stage.
//
// The message always names the stage and the artifact involved; prerequisite
// failures additionally name the upstream stage that has to run first.
type StageError struct {
	Kind         error
	Stage        string
	Artifact     string
	Prerequisite string
	Msg          string

	// Output is the captured tool output for compile/link/configure failures.
	Output []byte

	Cause error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Artifact != "" {
		fmt.Fprintf(&b, " (artifact %s)", e.Artifact)
	}
	if e.Prerequisite != "" {
		fmt.Fprintf(&b, "; run stage %q first", e.Prerequisite)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if out := strings.TrimSpace(string(e.Output)); out != "" {
		b.WriteString("\n\nTool output:\n")
		b.WriteString(tail(out, 40))
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *StageError) Unwrap() []error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// tail keeps the last n lines of s; compiler output can be very long.
func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return "...\n" + strings.Join(lines[len(lines)-n:], "\n")
}

// UnsupportedPlatformError names the rejected host and lists the supported
// platform tags.
func UnsupportedPlatformError(stage, osName, arch string) error {
	tags := SupportedPlatforms()
	names := make([]string, len(tags))
	for i, tag := range tags {
		names[i] = tag.String()
	}
	return &StageError{
		Kind:  ErrUnsupportedPlatform,
		Stage: stage,
		Msg:   fmt.Sprintf("no toolchain build for os=%q arch=%q (supported: %s)", osName, arch, strings.Join(names, ", ")),
	}
}

func IntegrityError(stage, artifact, want, got string) error {
	msg := fmt.Sprintf("sha256 mismatch: want %s, got %s", want, got)
	if want == "" {
		msg = "no pinned checksum entry"
	}
	return &StageError{Kind: ErrIntegrity, Stage: stage, Artifact: artifact, Msg: msg}
}

// ConfigurationError reports a missing upstream artifact. prerequisite is the
// stage that produces it.
func ConfigurationError(stage, artifact, prerequisite string) error {
	return &StageError{
		Kind:         ErrConfiguration,
		Stage:        stage,
		Artifact:     artifact,
		Prerequisite: prerequisite,
		Msg:          "required artifact is absent",
	}
}

// MissingToolError reports a host tool that is not on PATH.
func MissingToolError(stage, tool, purpose string) error {
	return &StageError{
		Kind:  ErrConfiguration,
		Stage: stage,
		Msg:   fmt.Sprintf("%s not found in PATH (required for: %s)", tool, purpose),
	}
}

func DownloadError(stage, url string, cause error) error {
	return &StageError{Kind: ErrDownload, Stage: stage, Artifact: url, Cause: cause}
}

func SourceLayoutError(stage, artifact, msg string) error {
	return &StageError{Kind: ErrSourceLayout, Stage: stage, Artifact: artifact, Msg: msg}
}

func CompileError(stage, source string, output []byte, cause error) error {
	return &StageError{Kind: ErrCompile, Stage: stage, Artifact: source, Output: output, Cause: cause}
}

func LinkError(stage, module string, output []byte, cause error) error {
	return &StageError{Kind: ErrLink, Stage: stage, Artifact: module, Output: output, Cause: cause}
}

func AssemblyError(stage, artifact, msg string, cause error) error {
	return &StageError{Kind: ErrAssembly, Stage: stage, Artifact: artifact, Msg: msg, Cause: cause}
}

// MissingUpstreamError is the assembler's integration check failure: an
// upstream artifact vanished or was never built.
func MissingUpstreamError(stage, artifact, prerequisite string) error {
	return &StageError{
		Kind:         ErrAssembly,
		Stage:        stage,
		Artifact:     artifact,
		Prerequisite: prerequisite,
		Msg:          "upstream artifact is absent",
	}
}

// KindOf returns the error kind of err, or nil when err is not a StageError.
func KindOf(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}
