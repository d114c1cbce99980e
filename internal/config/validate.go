package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sawpanic/retune/internal/rollout"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report yaml paths rather than Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidationError lists every problem found in a config
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks field rules and cross-field constraints, reporting every
// problem at once
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, fieldMessage(fe))
		}
	}
	problems = append(problems, c.crossFieldProblems()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) crossFieldProblems() []string {
	var p []string
	w := c.Windows

	if c.Search.StartupTrials > c.Search.Trials {
		p = append(p, fmt.Sprintf("search.startup_trials (%d) must not exceed search.trials (%d)", c.Search.StartupTrials, c.Search.Trials))
	}
	if w.EmbargoLen < w.MinEmbargo {
		p = append(p, fmt.Sprintf("windows.embargo (%s) is below windows.min_embargo (%s)", w.EmbargoLen, w.MinEmbargo))
	}
	if w.WidenFinal && w.MaxOOSLen < w.OOSLen {
		p = append(p, fmt.Sprintf("windows.max_oos (%s) must be at least windows.oos (%s)", w.MaxOOSLen, w.OOSLen))
	}
	if !c.Data.From.IsZero() && !c.Data.To.IsZero() && !c.Data.To.After(c.Data.From) {
		p = append(p, "data.to must be after data.from")
	}
	if c.Rollout.PaperSource == rollout.PaperSourceRuntime && c.Runtime.BaseURL == "" {
		p = append(p, "rollout.paper_source runtime needs runtime.base_url")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		p = append(p, "kafka.enabled needs kafka.brokers")
	}
	if c.Redis.Events && !c.Redis.Enabled() {
		p = append(p, "redis.events needs redis.addr")
	}
	if len(c.Space) > 0 {
		if _, err := c.ParameterSpace(); err != nil {
			p = append(p, "space: "+err.Error())
		}
	}
	return p
}

func fieldMessage(fe validator.FieldError) string {
	// drop the root type name
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
