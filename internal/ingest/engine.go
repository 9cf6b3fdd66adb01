package ingest

import "context"

// EngineResult is what an extraction engine produces for one image.
type EngineResult struct {
	// Fields maps field names to extracted string values.
	Fields map[string]string
	// Confidences maps field names to scores in [0, 1].
	Confidences map[string]float64
}

// Engine abstracts an OCR/LLM extraction backend. Engines are always
// supplied by the caller; the service never discovers or constructs one.
type Engine interface {
	// Name identifies the engine, e.g. "tesseract" or "claude-vision".
	Name() string
	// Version pins the engine build so re-runs with a changed engine
	// produce distinct extraction records.
	Version() string
	// Extract runs the engine against raw image bytes.
	Extract(ctx context.Context, image []byte) (*EngineResult, error)
}
