package bus

// Topics published on the in-process bus. They match the namespaced event
// types written to the durable event log, so a prefix subscription like
// "mission" sees created/succeeded/failed alike.
const (
	TopicProposalCreated  = "proposal:created"
	TopicProposalRejected = "proposal:rejected"

	TopicMissionCreated   = "mission:created"
	TopicMissionSucceeded = "mission:succeeded"
	TopicMissionFailed    = "mission:failed"

	TopicStepSucceeded = "step:succeeded"
	TopicStepFailed    = "step:failed"

	TopicRoundtableStarted   = "roundtable:started"
	TopicRoundtableCompleted = "roundtable:completed"
	TopicRoundtableFailed    = "roundtable:failed"

	TopicActionItemCreated  = "actionitem:created"
	TopicInitiativeProposed = "initiative:proposed"
)
