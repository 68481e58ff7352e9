package model

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/blueberrycongee/modelmux/pkg/types"
)

// Spec describes a model source to be materialized by a loader. Format and
// ID are optional; a missing format is detected from the source.
type Spec struct {
	Source  string         `json:"source"`
	Format  types.Format   `json:"format,omitempty"`
	ID      string         `json:"id,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// SnapshotEntry is the serializable descriptor of a registered model, as
// persisted in registry snapshots.
type SnapshotEntry struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Format       types.Format       `json:"format"`
	Source       string             `json:"source"`
	Loaded       bool               `json:"loaded"`
	Capabilities []types.Capability `json:"capabilities,omitempty"`
	Parameters   int64              `json:"parameters,omitempty"`
}

// Loader is a format-specific model factory. Loaders must document their
// concurrency guarantees; the registry serializes registration but loads may
// run concurrently.
type Loader interface {
	// Load materializes a model from a spec. The model is returned ready to
	// be loaded, not necessarily loaded.
	Load(ctx context.Context, spec Spec) (Model, error)

	// FromSnapshot rebuilds a model from a registry snapshot entry.
	FromSnapshot(ctx context.Context, entry SnapshotEntry) (Model, error)

	// Format returns the format tag this loader is registered under.
	Format() types.Format
}

// extensionFormats maps file extensions to format tags for detection.
var extensionFormats = map[string]types.Format{
	".gguf":        types.FormatGGUF,
	".ggml":        types.FormatGGML,
	".onnx":        types.FormatONNX,
	".safetensors": types.FormatSafetensors,
	".pt":          types.FormatPyTorch,
	".pth":         types.FormatPyTorch,
	".bin":         types.FormatBinary,
	".pb":          types.FormatTensorFlow,
	".json":        types.FormatTensorFlowJS,
}

// knownRegistryHosts are remote model registries whose sources resolve to
// the huggingface format.
var knownRegistryHosts = []string{
	"huggingface.co",
	"hf.co",
}

// DetectFormat resolves the format of a spec:
//  1. an explicit format field wins;
//  2. a scheme prefix ("mock://...") maps to that scheme's tag;
//  3. a file-path extension is looked up in a fixed table;
//  4. remote-model patterns (org:model or a known registry host) resolve
//     to huggingface;
//  5. otherwise the format is unknown and selection fails with NoLoader.
func DetectFormat(spec Spec) types.Format {
	if spec.Format != "" {
		return spec.Format
	}

	source := strings.TrimSpace(spec.Source)
	if source == "" {
		return types.FormatUnknown
	}

	if idx := strings.Index(source, "://"); idx > 0 {
		scheme := types.Format(strings.ToLower(source[:idx]))
		if scheme.Valid() {
			return scheme
		}
		for _, host := range knownRegistryHosts {
			if strings.Contains(source[idx+3:], host) {
				return types.FormatHuggingFace
			}
		}
		return types.FormatUnknown
	}

	if ext := strings.ToLower(filepath.Ext(source)); ext != "" {
		if format, ok := extensionFormats[ext]; ok {
			return format
		}
	}

	for _, host := range knownRegistryHosts {
		if strings.Contains(source, host) {
			return types.FormatHuggingFace
		}
	}
	if strings.Contains(source, ":") {
		return types.FormatHuggingFace
	}

	return types.FormatUnknown
}
