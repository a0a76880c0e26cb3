package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a Store from a provider name and per-provider config.
//
// Supported providers:
//   - "chromem" (default): embedded chromem-go store, no external services
//   - "qdrant": external Qdrant server over gRPC
//
// The chromem provider is the right choice for most deployments; it keeps the
// whole engine self-contained on local disk. Qdrant is for setups that already
// run one.
func NewStore(provider string, chromemCfg *ChromemConfig, qdrantCfg *QdrantConfig, logger *zap.Logger) (Store, error) {
	switch provider {
	case "chromem", "":
		cfg := ChromemConfig{}
		if chromemCfg != nil {
			cfg = *chromemCfg
		}
		return NewChromemStore(cfg, logger)

	case "qdrant":
		cfg := QdrantConfig{}
		if qdrantCfg != nil {
			cfg = *qdrantCfg
		}
		return NewQdrantStore(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: chromem, qdrant)", ErrInvalidConfig, provider)
	}
}
