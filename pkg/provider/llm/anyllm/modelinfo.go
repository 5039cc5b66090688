package anyllm

import (
	"strings"

	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

// modelInfo returns ModelInfo based on known model-name families. Unknown
// models receive sensible defaults; local models carry rough GPU-size
// estimates derived from parameter count so the runtime's VRAM estimator has
// a starting point before the first observed load.
func modelInfo(model string) llm.ModelInfo {
	info := llm.ModelInfo{
		ID:                model,
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}

	lower := strings.ToLower(model)

	switch {
	// ── OpenAI ───────────────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "gpt-4o-mini"):
		info.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4o"):
		info.MaxOutputTokens = 16_384

	// ── Anthropic ────────────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "claude-3-5"):
		info.ContextWindow = 200_000
		info.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "claude"):
		info.ContextWindow = 200_000

	// ── Local llama-family models: size estimated from parameter count ──────
	case strings.Contains(lower, "70b"):
		info.ContextWindow = 128_000
		info.SizeBytes = 40 << 30
	case strings.Contains(lower, "13b"):
		info.ContextWindow = 32_768
		info.SizeBytes = 8 << 30
	case strings.Contains(lower, "8b"):
		info.ContextWindow = 128_000
		info.SizeBytes = 5 << 30
	case strings.Contains(lower, "7b"):
		info.ContextWindow = 32_768
		info.SizeBytes = 4 << 30
	case strings.Contains(lower, "3b"):
		info.ContextWindow = 128_000
		info.SizeBytes = 2 << 30
	}

	return info
}
