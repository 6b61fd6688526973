package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/provato/provato/internal/config"
	"github.com/provato/provato/internal/validation"
	"github.com/provato/provato/internal/validator"
)

// Manifest describes an external validator plugin on disk. The command is
// invoked with a trailing operation argument (init, health, validate) and
// exchanges JSON on stdin/stdout.
type Manifest struct {
	Name    string           `yaml:"name"`
	Version string           `yaml:"version"`
	Types   []string         `yaml:"types"`
	Command string           `yaml:"command"`
	Args    []string         `yaml:"args"`
	Env     []string         `yaml:"env"`
	Timeout *config.Duration `yaml:"timeout"`
}

// ExecPlugin runs a manifest-described subprocess for each plugin operation.
type ExecPlugin struct {
	manifest Manifest
	dir      string
	types    []validation.TargetType
	timeout  time.Duration
}

// NewExecPlugin builds a subprocess plugin from a manifest. dir is the
// manifest's directory and anchors relative command paths.
func NewExecPlugin(manifest Manifest, dir string, defaultTimeout time.Duration) (*ExecPlugin, error) {
	if manifest.Name == "" {
		return nil, fmt.Errorf("plugin manifest: missing name")
	}
	if manifest.Command == "" {
		return nil, fmt.Errorf("plugin manifest %q: missing command", manifest.Name)
	}
	if len(manifest.Types) == 0 {
		return nil, fmt.Errorf("plugin manifest %q: missing types", manifest.Name)
	}
	types := make([]validation.TargetType, 0, len(manifest.Types))
	for _, raw := range manifest.Types {
		target, err := validation.ParseTargetType(raw)
		if err != nil {
			return nil, fmt.Errorf("plugin manifest %q: %w", manifest.Name, err)
		}
		types = append(types, target)
	}
	timeout := defaultTimeout
	if manifest.Timeout != nil && manifest.Timeout.Duration > 0 {
		timeout = manifest.Timeout.Duration
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecPlugin{manifest: manifest, dir: dir, types: types, timeout: timeout}, nil
}

func (p *ExecPlugin) Name() string    { return p.manifest.Name }
func (p *ExecPlugin) Version() string { return p.manifest.Version }

func (p *ExecPlugin) SupportedTypes() []validation.TargetType {
	out := make([]validation.TargetType, len(p.types))
	copy(out, p.types)
	return out
}

// Initialize runs the plugin's init operation. A zero exit means ready.
func (p *ExecPlugin) Initialize(ctx context.Context) error {
	_, err := p.run(ctx, "init", nil)
	return err
}

// Health runs the health operation and decodes its verdict.
func (p *ExecPlugin) Health(ctx context.Context) (Health, error) {
	out, err := p.run(ctx, "health", nil)
	if err != nil {
		return Health{}, err
	}
	var health Health
	if err := json.Unmarshal(out, &health); err != nil {
		return Health{}, fmt.Errorf("plugin %q: decode health output: %w", p.Name(), err)
	}
	return health, nil
}

type validateRequest struct {
	TargetType string         `json:"target_type"`
	Definition map[string]any `json:"definition"`
	Expected   map[string]any `json:"expected,omitempty"`
}

type validateResponse struct {
	Status   string         `json:"status"`
	Score    float64        `json:"score"`
	MaxScore float64        `json:"max_score"`
	Details  map[string]any `json:"details"`
}

// Validate sends the test payload on stdin and decodes the outcome from
// stdout. Unknown statuses are treated as plugin faults.
func (p *ExecPlugin) Validate(ctx context.Context, target validation.TargetType, definition, expected map[string]any) (*validator.Outcome, error) {
	payload, err := json.Marshal(validateRequest{
		TargetType: string(target),
		Definition: definition,
		Expected:   expected,
	})
	if err != nil {
		return nil, fmt.Errorf("plugin %q: encode request: %w", p.Name(), err)
	}
	out, err := p.run(ctx, "validate", payload)
	if err != nil {
		return nil, err
	}
	var resp validateResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("plugin %q: decode validate output: %w", p.Name(), err)
	}
	var status validation.ResultStatus
	switch resp.Status {
	case string(validation.ResultPassed):
		status = validation.ResultPassed
	case string(validation.ResultFailed):
		status = validation.ResultFailed
	default:
		return nil, fmt.Errorf("plugin %q: unexpected status %q", p.Name(), resp.Status)
	}
	maxScore := resp.MaxScore
	if maxScore == 0 {
		maxScore = 100
	}
	return &validator.Outcome{
		Status:   status,
		Score:    resp.Score,
		MaxScore: maxScore,
		Details:  resp.Details,
	}, nil
}

func (p *ExecPlugin) run(ctx context.Context, op string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := make([]string, 0, len(p.manifest.Args)+1)
	args = append(args, p.manifest.Args...)
	args = append(args, op)

	cmd := exec.CommandContext(ctx, p.command(), args...)
	cmd.Dir = p.dir
	cmd.Env = append(os.Environ(), p.manifest.Env...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Orphaned children can hold the pipes open past the kill.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("plugin %q: %s: %w: %s", p.Name(), op, err, msg)
		}
		return nil, fmt.Errorf("plugin %q: %s: %w", p.Name(), op, err)
	}
	return stdout.Bytes(), nil
}

func (p *ExecPlugin) command() string {
	cmd := p.manifest.Command
	if filepath.IsAbs(cmd) || !strings.Contains(cmd, string(filepath.Separator)) {
		return cmd
	}
	return filepath.Join(p.dir, cmd)
}
