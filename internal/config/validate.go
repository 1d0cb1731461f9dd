package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// policyValidate checks struct tags on the decoded policy.
var policyValidate = validator.New()

// ValidationError represents a policy validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the whole policy. Dependency references are checked by
// the scheduler, which also detects cycles.
func (p *Policy) Validate() ValidationErrors {
	var errs ValidationErrors

	if err := policyValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Field:   fe.Namespace(),
					Message: describeTag(fe),
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: "policy", Message: err.Error()})
		}
	}

	if p.Settings != nil {
		errs = append(errs, checkDuration("settings.transaction_timeout", p.Settings.TransactionTimeout)...)
	}
	if p.Safety != nil {
		errs = append(errs, checkDuration("safety.lease_duration", p.Safety.LeaseDuration)...)
		if p.Safety.Probe != nil {
			errs = append(errs, checkDuration("safety.probe.timeout", p.Safety.Probe.Timeout)...)
			errs = append(errs, checkDuration("safety.probe.backoff", p.Safety.Probe.Backoff)...)
		}
	}

	hosts := make(map[string]bool)
	for _, h := range p.Hosts {
		if hosts[h.Name] {
			errs = append(errs, ValidationError{Field: "host." + h.Name, Message: "duplicate host"})
		}
		hosts[h.Name] = true
	}

	for _, n := range p.Notify {
		field := "notify." + n.Name
		errs = append(errs, checkDuration(field+".timeout", n.Timeout)...)
		if n.Type == "ntfy" && n.Topic == "" {
			errs = append(errs, ValidationError{Field: field, Message: "ntfy channels need a topic"})
		}
	}

	seen := make(map[string]bool)
	for i := range p.Units {
		u := &p.Units[i]
		field := "unit." + u.ID
		if seen[u.ID] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate unit id"})
		}
		seen[u.ID] = true
		errs = append(errs, u.validateKind(field)...)
		for j := range u.Validators {
			errs = append(errs, u.Validators[j].validate(fmt.Sprintf("%s.validate[%d]", field, j))...)
		}
	}

	return errs
}

func (u *UnitSpec) validateKind(field string) ValidationErrors {
	var errs ValidationErrors
	need := func(ok bool, name, msg string) {
		if !ok {
			errs = append(errs, ValidationError{Field: field + "." + name, Message: msg})
		}
	}

	if _, _, err := u.FileMode(); err != nil {
		need(false, "mode", err.Error())
	}

	switch u.Kind {
	case KindDirective:
		need(u.Target != "", "target", "directive units need a target file")
		need(len(u.Settings) > 0, "settings", "directive units need at least one setting")
	case KindFile:
		need(u.Target != "", "target", "file units need a target path")
		need(u.Content != nil, "content", "file units need content")
	case KindSysctl:
		need(u.Value != "", "value", "sysctl units need a value")
		need(!strings.ContainsAny(u.Target, " \t="), "target", "invalid sysctl key")
	case KindMode:
		need(u.Target != "", "target", "mode units need a target path")
		need(u.Mode != "" || u.Owner != "" || u.Group != "", "mode", "mode units need mode, owner or group")
	case KindCommand:
		need(len(u.Apply) > 0, "apply", "command units need an apply command")
		need(len(u.Check) > 0, "check", "command units need a check command to detect the applied state")
		need(len(u.Snapshot) > 0, "snapshot", "command units need a snapshot command")
		need(len(u.Restore) > 0, "restore", "command units need a restore command")
	}
	return errs
}

func (v *ValidatorSpec) validate(field string) ValidationErrors {
	var errs ValidationErrors
	switch v.Type {
	case CheckCommand:
		if len(v.Command) == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "command check needs a command"})
		}
	case CheckContains, CheckAbsent:
		if v.Pattern == "" {
			errs = append(errs, ValidationError{Field: field, Message: v.Type + " check needs a pattern"})
		} else if _, err := regexp.Compile(v.Pattern); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid pattern: %v", err)})
		}
	case CheckPing:
		if len(v.Targets) == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "ping check needs targets"})
		}
	}
	errs = append(errs, checkDuration(field+".timeout", v.Timeout)...)
	return errs
}

func checkDuration(field, s string) ValidationErrors {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", s)}}
	}
	if d <= 0 {
		return ValidationErrors{{Field: field, Message: "duration must be positive"}}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "url":
		return fmt.Sprintf("must be a URL, got %q", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
