package permission

import "context"

// Decider adapts a static Rule set to broker.PolicyDecider's
// Decide(ctx, agentID, toolName, toolInput string) (string, error) shape
// (spec.md section 9: "rules evaluated before any entry reaches the human
// approval queue"). It is defined here rather than in internal/broker so
// permission stays the dependency-free leaf package the teacher's rule
// engines are; Decider satisfies PolicyDecider structurally, no import of
// internal/broker required.
type Decider struct {
	Rules []Rule
}

// Decide ignores agentID: rules match on tool name and input only, per
// Evaluate's signature. Undecided maps to "unsure", which broker.Broker
// treats as deny-closed rather than falling through to the human queue.
func (d Decider) Decide(_ context.Context, _, toolName, toolInput string) (string, error) {
	switch Evaluate(toolName, toolInput, d.Rules) {
	case Allow:
		return "allow", nil
	case Deny:
		return "deny", nil
	default:
		return "unsure", nil
	}
}
