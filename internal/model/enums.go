package model

type KeyType string

const (
	KeyTypeNumber KeyType = "number"
	KeyTypeText   KeyType = "text"
)

type BotState string

const (
	BotStateStopped              BotState = "stopped"
	BotStateStarting             BotState = "starting"
	BotStateRunning              BotState = "running"
	BotStateAwaitingVerification BotState = "awaiting_verification"
	BotStateError                BotState = "error"
)
