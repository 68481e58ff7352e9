// Package types defines the shared request, response, and domain types used
// across the modelmux routing substrate.
package types

// Capability identifies a feature a model claims to implement.
// A claimed capability implies the model actually implements the
// corresponding operation.
type Capability string

const (
	CapCompletion      Capability = "completion"
	CapChat            Capability = "chat"
	CapStreaming       Capability = "streaming"
	CapBatching        Capability = "batching"
	CapQuantization    Capability = "quantization"
	CapEmbedding       Capability = "embedding"
	CapFunctionCalling Capability = "function-calling"
	CapVision          Capability = "vision"
	CapAudio           Capability = "audio"
)

// AllCapabilities lists every recognized capability in a stable order.
var AllCapabilities = []Capability{
	CapCompletion,
	CapChat,
	CapStreaming,
	CapBatching,
	CapQuantization,
	CapEmbedding,
	CapFunctionCalling,
	CapVision,
	CapAudio,
}

// Valid reports whether c is a recognized capability.
func (c Capability) Valid() bool {
	for _, known := range AllCapabilities {
		if c == known {
			return true
		}
	}
	return false
}

// Engine identifies the execution environment a model is declared to run on.
// It feeds the compute component of the cost scorer.
type Engine string

const (
	EngineWebGPU Engine = "webgpu"
	EngineWASM   Engine = "wasm"
	EngineNode   Engine = "node"
	EngineEdge   Engine = "edge"
	EngineCloud  Engine = "cloud"
)
