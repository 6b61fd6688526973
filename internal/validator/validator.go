// Package validator contains the built-in validators and the contract
// that plugin-supplied validators are adapted into.
package validator

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/provato/provato/internal/render"
	"github.com/provato/provato/internal/validation"
)

// Validator scores one test definition against an expected result.
// A returned error means the attempt could not be completed and may be
// retried; a failed Outcome is a settled verdict and is not.
type Validator interface {
	Validate(ctx context.Context, definition, expected map[string]any) (*Outcome, error)
}

// Outcome is a validator verdict.
type Outcome struct {
	Status   validation.ResultStatus
	Score    float64
	MaxScore float64
	Details  map[string]any
}

// Env carries shared collaborators for the built-in validators.
type Env struct {
	Secrets    map[string]string
	HTTPClient *http.Client
	Template   *render.Engine
}

// Builtins returns the statically registered validator for each target type.
func Builtins(env Env) map[validation.TargetType]Validator {
	if env.Template == nil {
		env.Template = render.New()
	}
	return map[validation.TargetType]Validator{
		validation.TargetModelOutput:  NewModelOutput(),
		validation.TargetCodeFunction: NewCodeFunction(),
		validation.TargetAPIEndpoint:  &APIEndpoint{Client: env.HTTPClient, Engine: env.Template, Secrets: env.Secrets},
		validation.TargetDataPipeline: NewDataPipeline(env.HTTPClient),
		validation.TargetUIComponent:  NewUIComponent(),
	}
}

// simulateDelay waits out the validator's simulated work time. A
// simulate_delay_ms key in the definition pins the delay, which keeps
// reproducible runs fast.
func simulateDelay(ctx context.Context, definition map[string]any, lo, hi time.Duration) error {
	delay := lo
	if hi > lo {
		delay += time.Duration(rand.Int63n(int64(hi - lo)))
	}
	if raw, ok := definition["simulate_delay_ms"]; ok {
		if ms, good := toFloat(raw); good && ms >= 0 {
			delay = time.Duration(ms * float64(time.Millisecond))
		}
	}
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusFor(score, passMark float64) validation.ResultStatus {
	if score < passMark {
		return validation.ResultFailed
	}
	return validation.ResultPassed
}

// decodeSpec maps a definition blob onto a typed spec, tolerating the
// loose scalar types YAML and JSON hand us.
func decodeSpec(input map[string]any, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}
