package server

import "sync/atomic"

// BotState is the process-wide flag gating automated order execution. It
// starts stopped and is toggled only by the start/stop endpoints.
type BotState struct {
	enabled atomic.Bool
}

func NewBotState() *BotState {
	return &BotState{}
}

func (b *BotState) Enabled() bool {
	return b.enabled.Load()
}

func (b *BotState) Start() bool {
	b.enabled.Store(true)
	return true
}

func (b *BotState) Stop() bool {
	b.enabled.Store(false)
	return false
}
