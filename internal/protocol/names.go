package protocol

// Client → server command types.
const (
	CmdPing              = "ping"
	CmdSubscribe         = "subscribe"
	CmdUserMessage       = "user_message"
	CmdKillAgent         = "kill_agent"
	CmdStopAllAgents     = "stop_all_agents"
	CmdCreateManager     = "create_manager"
	CmdDeleteManager     = "delete_manager"
	CmdListDirectories   = "list_directories"
	CmdValidateDirectory = "validate_directory"
	CmdPickDirectory     = "pick_directory"
)

// Server → client event types.
const (
	EventReady               = "ready"
	EventPong                = "pong"
	EventAgentsSnapshot      = "agents_snapshot"
	EventConversationHistory = "conversation_history"
	EventConversationReset   = "conversation_reset"
	EventAgentStatus         = "agent_status"
	EventManagerCreated      = "manager_created"
	EventManagerDeleted      = "manager_deleted"
	EventDirectoriesListed   = "directories_listed"
	EventDirectoryValidated  = "directory_validated"
	EventDirectoryPicked     = "directory_picked"
	EventError               = "error"
)

// Command error codes carried on error events.
const (
	CodeInvalidCommand          = "INVALID_COMMAND"
	CodeNotSubscribed           = "NOT_SUBSCRIBED"
	CodeUnknownAgent            = "UNKNOWN_AGENT"
	CodeSubscriptionUnsupported = "SUBSCRIPTION_NOT_SUPPORTED"
	CodeKillAgentFailed         = "KILL_AGENT_FAILED"
	CodeCreateManagerFailed     = "CREATE_MANAGER_FAILED"
	CodeDeleteManagerFailed     = "DELETE_MANAGER_FAILED"
	CodeListDirectoriesFailed   = "LIST_DIRECTORIES_FAILED"
	CodeValidateDirectoryFailed = "VALIDATE_DIRECTORY_FAILED"
	CodePickDirectoryFailed     = "PICK_DIRECTORY_FAILED"
	CodeUserMessageFailed       = "USER_MESSAGE_FAILED"
)

// Conversation reset reasons.
const (
	ResetReasonUserNew  = "user_new_command"
	ResetReasonAPIReset = "api_reset"
)
