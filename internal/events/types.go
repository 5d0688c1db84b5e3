// Package events provides event types and utilities for the kbot event system.
package events

// Event types for the supervisor
const (
	SupervisorSpawn      = "supervisor.spawn"
	SupervisorExit       = "supervisor.exit"
	SupervisorRespawn    = "supervisor.respawn"
	SupervisorEscalation = "supervisor.escalation"
	SupervisorIPCError   = "supervisor.ipc_error"
)

// Event types for the agent lifecycle
const (
	AgentSpawnQueued      = "agent.spawn.queued"
	AgentHealthStatus     = "agent.health.status"
	AgentShutdownComplete = "agent.shutdown.complete"
	AgentEscalate         = "agent.escalate"
)

// Event types for the autonomous loop
const (
	LoopIteration  = "loop.iteration"
	CircuitTripped = "circuit.tripped"
	CircuitReset   = "circuit.reset"
)

// Event types for escalation records
const (
	EscalationCreated      = "escalation.created"
	EscalationAcknowledged = "escalation.acknowledged"
	EscalationFallback     = "escalation.fallback"
)

// Event types for session lifecycle
const (
	SessionCreated   = "session.created"
	SessionRotated   = "session.rotated"
	SessionCompleted = "session.completed"
)

// Event types for context usage tracking
const (
	UsageUpdate  = "usage.update"
	UsageTimeout = "usage.timeout"
	UsageError   = "usage.error"
)

// Event types for the memory stores
const (
	TurnAppended            = "turn.appended"
	TurnRecovered           = "turn.recovered"
	ReconstructionCompleted = "reconstruction.completed"
)

// Event types for the shadow store
const (
	ShadowStateChange  = "shadow.state_change"
	ShadowSyncStart    = "shadow.sync_start"
	ShadowSyncComplete = "shadow.sync_complete"
	ShadowSyncError    = "shadow.sync_error"
)

// Event types for message orchestration
const (
	MessageHandled = "message.handled"
	MessageFailed  = "message.failed"
)
