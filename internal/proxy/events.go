package proxy

import "github.com/LinusChen-yf/proxy-ai-fusion/internal/ledger"

// LifecycleEmitter receives request lifecycle notifications. Implemented
// by hub.Hub; a no-op implementation serves tests and disabled feeds.
type LifecycleEmitter interface {
	RequestStarted(requestID, method, path, channel, targetURL string)
	RequestStreaming(requestID string, durationMS int64)
	ResponseChunk(requestID, delta string, durationMS int64)
	RequestCompleted(requestID string, statusCode int, durationMS int64, success bool)
}

// NoopLifecycleEmitter discards all lifecycle notifications.
type NoopLifecycleEmitter struct{}

func (NoopLifecycleEmitter) RequestStarted(string, string, string, string, string) {}
func (NoopLifecycleEmitter) RequestStreaming(string, int64)                        {}
func (NoopLifecycleEmitter) ResponseChunk(string, string, int64)                   {}
func (NoopLifecycleEmitter) RequestCompleted(string, int, int64, bool)             {}

// LedgerEmitter accepts finished-request entries for durable logging.
type LedgerEmitter interface {
	Emit(entry ledger.Entry)
}

// NoopLedgerEmitter discards entries.
type NoopLedgerEmitter struct{}

func (NoopLedgerEmitter) Emit(ledger.Entry) {}
