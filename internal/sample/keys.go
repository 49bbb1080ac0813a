package sample

// Reserved blackboard keys. The engine writes KeySampleID before a body
// starts and KeyError when a sample fails; bodies write KeyTermination
// through Terminate.
const (
	KeySampleID       = "Sample Id"
	KeyMode           = "Mode"
	KeyCustomSettings = "Custom Settings"
	KeyParameters     = "Parameters"
	KeyState          = "State"
	KeyAction         = "Action"
	KeyReward         = "Reward"
	KeyTermination    = "Termination"
	KeyError          = "Error"
	KeyFx             = "F(x)"
)

// Modes conventionally stored under KeyMode.
const (
	ModeTraining = "Training"
	ModeTesting  = "Testing"
)
