package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// WithDefaults fills unset numeric and list options. Boolean defaults are the
// caller's responsibility because false is a meaningful value.
func (o CrawlOptions) WithDefaults() CrawlOptions {
	if o.MaxDepth == 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxPages == 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.MaxLinksPerPage == 0 {
		o.MaxLinksPerPage = DefaultMaxLinksPerPage
	}
	if len(o.Formats) == 0 {
		o.Formats = []string{"markdown"}
	}
	return o
}

// ValidateJob checks the submission fields of job before it is persisted.
func ValidateJob(job Job) error {
	if job.Kind == "" {
		return &ValidationError{Field: "kind", Reason: "is required"}
	}
	if !job.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", job.Kind)}
	}
	if err := ValidateSeedURL(job.URL); err != nil {
		return err
	}
	switch job.Priority {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", job.Priority)}
	}
	if err := validate.Struct(job.Options); err != nil {
		return translate(err)
	}
	for _, pattern := range append(append([]string{}, job.Options.IncludePatterns...), job.Options.ExcludePatterns...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return &ValidationError{Field: "patterns", Reason: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
		}
	}
	return nil
}

// ValidateSeedURL requires an absolute http(s) URL with a host.
func ValidateSeedURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "url", Reason: "is required"}
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "url", Reason: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if parsed.Host == "" {
		return &ValidationError{Field: "url", Reason: "host is required"}
	}
	return nil
}

// ValidateStruct runs tag validation on v and reports the first failure as a
// ValidationError.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fmt.Sprintf("failed %q constraint", fe.Tag())
		if fe.Param() != "" {
			reason = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
		}
		return &ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}
