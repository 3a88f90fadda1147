package domain

// RuntimeKind selects how the sandbox executes an agent.
type RuntimeKind string

const (
	// RuntimeProcess runs the agent as a separate OS process per evaluation.
	RuntimeProcess RuntimeKind = "process"
	// RuntimeBuiltin runs a trusted in-process strategy.
	RuntimeBuiltin RuntimeKind = "builtin"
)

// AgentHandle is an immutable, versioned reference to agent code owned by the agent store.
type AgentHandle struct {
	ID        string
	Version   string
	AccountID string
	Runtime   RuntimeKind
	Entry     string // executable path (process) or strategy name (builtin)
	Args      []string
	Params    map[string]string
}
