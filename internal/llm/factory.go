package llm

import (
	"fmt"
	"strings"

	"github.com/redloop-ai/redloop/internal/config"
)

var (
	_ Connector = (*libConnector)(nil)
	_ Connector = (*restConnector)(nil)
	_ Connector = (*anthropicConnector)(nil)
	_ Streamer  = (*libConnector)(nil)
	_ Streamer  = (*restConnector)(nil)
)

// New builds a connector for the configured connection driver.
func New(cfg config.LLMConfig) (Connector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Connection)) {
	case config.ConnectionOpenAILib:
		return newLibConnector(cfg)
	case config.ConnectionOpenAIREST:
		return newRESTConnector(cfg)
	case config.ConnectionAnthropic:
		return newAnthropicConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported connection %q", cfg.Connection)
	}
}
