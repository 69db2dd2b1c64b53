package rewriter

import "fmt"

// ErrorKind classifies a RewriteError the way the host boundary expects:
// a fixed string-prefix envelope per kind, independent of the underlying
// Go error type.
type ErrorKind int

const (
	KindSqlParse ErrorKind = iota
	KindContextParse
	KindSubqueryParse
)

func (k ErrorKind) prefix() string {
	switch k {
	case KindSqlParse:
		return "SQL parse error: "
	case KindContextParse:
		return "Failed to parse rewrite context: "
	case KindSubqueryParse:
		return "Failed to parse view query: "
	default:
		return ""
	}
}

// RewriteError is the one error type Rewrite/SetSharedContext return.
// Its Error() string always carries the fixed prefix for its Kind so a
// caller that only sees the string still recovers the original envelope.
type RewriteError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func newParseError(kind ErrorKind, detail string, cause error) *RewriteError {
	return &RewriteError{Kind: kind, Message: kind.prefix() + detail, Err: cause}
}

func (e *RewriteError) Error() string {
	return e.Message
}

func (e *RewriteError) Unwrap() error {
	return e.Err
}

var _ error = (*RewriteError)(nil)

func sqlParseError(err error) *RewriteError {
	return newParseError(KindSqlParse, err.Error(), err)
}

func contextParseError(err error) *RewriteError {
	return newParseError(KindContextParse, err.Error(), err)
}

func subqueryParseError(detail string, cause error) *RewriteError {
	return newParseError(KindSubqueryParse, detail, cause)
}

func fmtSubqueryError(format string, args ...any) *RewriteError {
	return subqueryParseError(fmt.Sprintf(format, args...), nil)
}
