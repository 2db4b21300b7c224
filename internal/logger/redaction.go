package logger

import (
	"io"
	"regexp"
)

const redactedMark = "[REDACTED]"

// Redactor masks provider keys, bot tokens and similar secrets before log lines reach disk.
type Redactor struct {
	patterns []*regexp.Regexp
	// keyed matches "name: value" pairs and keeps the name.
	keyed *regexp.Regexp
}

// NewRedactor creates a redactor with the built-in secret patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic keys first so the generic sk- rule does not leave a suffix behind.
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-(proj-)?[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
			regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`),
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		},
		keyed: regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)("?\s*[:=]\s*"?)[^\s",}]+`),
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact returns s with every secret match replaced.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redactedMark)
	}
	return r.keyed.ReplaceAllString(s, "${1}${2}"+redactedMark)
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted line may be shorter or longer.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
