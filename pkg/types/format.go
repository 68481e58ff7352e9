package types

// Format identifies the on-disk or remote serving format of a model.
// Loaders are registered against a format tag.
type Format string

const (
	FormatGGUF         Format = "gguf"
	FormatGGML         Format = "ggml"
	FormatONNX         Format = "onnx"
	FormatSafetensors  Format = "safetensors"
	FormatPyTorch      Format = "pytorch"
	FormatBinary       Format = "binary"
	FormatTensorFlow   Format = "tensorflow"
	FormatTensorFlowJS Format = "tensorflowjs"
	FormatHuggingFace  Format = "huggingface"
	FormatOpenAILike   Format = "openai"
	FormatMock         Format = "mock"
	FormatUnknown      Format = "unknown"
)

// Valid reports whether f is a recognized format tag.
// Unknown is recognized but never loadable.
func (f Format) Valid() bool {
	switch f {
	case FormatGGUF, FormatGGML, FormatONNX, FormatSafetensors,
		FormatPyTorch, FormatBinary, FormatTensorFlow, FormatTensorFlowJS,
		FormatHuggingFace, FormatOpenAILike, FormatMock, FormatUnknown:
		return true
	}
	return false
}
