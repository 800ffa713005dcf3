package registry

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// DiscoverFilter is a compiled CEL expression evaluated against each live
// instance during Discover. An empty expression matches everything.
//
// Exposed variables:
//
//	service     string               instance's service name
//	instance_id string               instance id
//	host        string
//	port        int
//	ttl_ms      int                  heartbeat window in milliseconds
//	ttl_seconds int                  ttl_ms / 1000, truncated
//	age_ms      int                  time since registration
//	metadata    map[string]string    registration metadata
//	now_ms      int
//
// Example: `metadata["zone"] == "us-east" && port != 8080`.
type DiscoverFilter struct {
	prog    cel.Program
	enabled bool
}

// CompileFilter parses and type-checks expr. A blank expr compiles to the
// match-all filter.
func CompileFilter(expr string) (*DiscoverFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &DiscoverFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("service", cel.StringType),
		cel.Variable("instance_id", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("port", cel.IntType),
		cel.Variable("ttl_ms", cel.IntType),
		cel.Variable("ttl_seconds", cel.IntType),
		cel.Variable("age_ms", cel.IntType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return nil, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &DiscoverFilter{prog: prog, enabled: true}, nil
}

// Match evaluates the filter against inst. Evaluation errors reject the
// instance rather than failing the whole Discover call.
func (f *DiscoverFilter) Match(inst *Instance, nowMs int64) bool {
	if !f.enabled {
		return true
	}
	metadata := inst.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"service":     inst.ServiceName,
		"instance_id": inst.InstanceID,
		"host":        inst.Host,
		"port":        int64(inst.Port),
		"ttl_ms":      inst.TTLMs,
		"ttl_seconds": inst.TTLMs / 1000,
		"age_ms":      nowMs - inst.RegisteredAtMs,
		"metadata":    metadata,
		"now_ms":      nowMs,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
