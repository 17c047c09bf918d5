package authz

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

//go:embed policy.rego
var defaultPolicy string

const decisionQuery = "data.ltm.authz.decision"

// Input is the request context a policy decides on.
type Input struct {
	Role     string `json:"role"`
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
}

// Decision is the policy verdict. Reason is safe to log and to return
// to the caller.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine evaluates the role matrix. Policies are compiled once at
// construction; evaluation failures deny.
type Engine struct {
	log      *zap.Logger
	compiled rego.PreparedEvalQuery
}

// New compiles the embedded role matrix.
func New(logger *zap.Logger) (*Engine, error) {
	return newEngine(logger, map[string]string{"authz.rego": defaultPolicy})
}

// NewFromDir compiles every .rego file under dir instead of the
// embedded policy, for deployments that ship their own matrix. The
// modules must define data.ltm.authz.decision.
func NewFromDir(dir string, logger *zap.Logger) (*Engine, error) {
	modules := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		rel, _ := filepath.Rel(dir, path)
		modules[rel] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no .rego files under %s", dir)
	}
	return newEngine(logger, modules)
}

func newEngine(logger *zap.Logger, modules map[string]string) (*Engine, error) {
	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("compile authz policy: %w", err)
	}
	logger.Info("Authorization policy compiled",
		zap.Int("modules", len(modules)),
		zap.String("query", decisionQuery))
	return &Engine{log: logger, compiled: compiled}, nil
}

// Authorize evaluates the matrix for one request. Any evaluation
// problem denies: authorization fails closed.
func (e *Engine) Authorize(ctx context.Context, in Input) Decision {
	results, err := e.compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"role":     in.Role,
		"endpoint": in.Endpoint,
		"method":   in.Method,
	}))
	if err != nil {
		e.log.Error("Policy evaluation failed", zap.Error(err))
		return Decision{Allow: false, Reason: "policy evaluation error"}
	}
	return parseDecision(results)
}

func parseDecision(results rego.ResultSet) Decision {
	denied := Decision{Allow: false, Reason: "no policy decision"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return denied
	}
	value, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return denied
	}
	d := Decision{}
	d.Allow, _ = value["allow"].(bool)
	if reason, ok := value["reason"].(string); ok {
		d.Reason = reason
	}
	return d
}
