package runtime

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Package-level validator instance, shared by config and flow validation.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// hostname_port validates "host:port" format with a numeric port
	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		_, port, err := net.SplitHostPort(addr)
		if err != nil || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})
}

// Config is the runtime configuration for the run service and orchestrator.
type Config struct {
	// BaseDir is where per-run ledger directories live.
	BaseDir string `yaml:"base_dir" default:"runs" validate:"required"`
	// FlowsDir holds the YAML flow definitions.
	FlowsDir string `yaml:"flows_dir" default:"flows" validate:"required"`
	// ListenAddr is the HTTP facade bind address.
	ListenAddr string `yaml:"listen_addr" default:":8080" validate:"hostname_port"`
	// MicroloopCap bounds how many times one step may be dispatched.
	MicroloopCap int `yaml:"microloop_cap" default:"3" validate:"gte=1,lte=20"`
	// StepTimeout is the per-step execution ceiling; exceeding it is
	// treated identically to an engine-reported failure.
	StepTimeout time.Duration `yaml:"step_timeout" default:"10m" validate:"gte=1s"`

	Budget ContextBudget `yaml:"budget"`
}

// PrepareConfig applies struct-tag defaults and validates the result.
// This is the only entry point callers should use for config handling.
func PrepareConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	if err := validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, fieldErr := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"field '%s' failed validation (rule: %s)",
					fieldErr.Field(),
					fieldErr.Tag(),
				))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}
