package engine

import "encoding/json"

// Wire payloads posted to the embedded collector script. The envelope
// is JSON with a "type" discriminator; the collector replies on the
// message channel.

// ScriptConfig is the source payload handed to LoadScript; it sizes the
// session's shared ring region.
type ScriptConfig struct {
	SessionID    string `json:"sessionId"`
	RingCapacity uint64 `json:"ringCapacity"`
}

// EncodeScriptConfig serializes a script configuration.
func EncodeScriptConfig(cfg ScriptConfig) []byte {
	data, _ := json.Marshal(cfg)
	return data
}

// HookFunction describes one function in a hooks payload. Address is
// the runtime address (resolved address + image base).
type HookFunction struct {
	Address uint64 `json:"address"`
	FuncID  uint32 `json:"funcId"`
	Mode    string `json:"mode"` // "full" or "light"
	Name    string `json:"name,omitempty"`
}

// HooksPayload installs or removes a batch of hooks.
type HooksPayload struct {
	Type      string         `json:"type"` // always "hooks"
	Action    string         `json:"action"` // "add" or "remove"
	Functions []HookFunction `json:"functions"`
}

// WatchTarget describes one watched memory location.
type WatchTarget struct {
	Label   string `json:"label"`
	Address uint64 `json:"address"`
	Size    uint8  `json:"size"`
}

// WatchesPayload replaces the active watch set.
type WatchesPayload struct {
	Type    string        `json:"type"` // always "watches"
	Watches []WatchTarget `json:"watches"`
}

// MarshalHooks serializes a hooks payload for Script.Post.
func MarshalHooks(p HooksPayload) ([]byte, error) {
	return json.Marshal(p)
}

// MarshalWatches serializes a watches payload for Script.Post.
func MarshalWatches(p WatchesPayload) ([]byte, error) {
	return json.Marshal(p)
}

// Envelope is the minimal decode target for routing a posted payload.
type Envelope struct {
	Type string `json:"type"`
}
