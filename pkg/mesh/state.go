package mesh

// NodeState represents the lifecycle state of a Node.
type NodeState int

const (
	// NodeStateInitialized means the node is created but not started.
	NodeStateInitialized NodeState = iota

	// NodeStateRunning means the node is consuming link events.
	NodeStateRunning

	// NodeStateStopped means the node has been shut down.
	NodeStateStopped
)

// String returns a human-readable name for the state.
func (s NodeState) String() string {
	switch s {
	case NodeStateInitialized:
		return "Initialized"
	case NodeStateRunning:
		return "Running"
	case NodeStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// CanStart returns true if Start() can be called in this state.
func (s NodeState) CanStart() bool {
	return s == NodeStateInitialized
}

// CanStop returns true if Stop() can be called in this state.
func (s NodeState) CanStop() bool {
	return s == NodeStateRunning
}
