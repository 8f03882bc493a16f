package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/firelion/insight-web-ui/internal/chat"
	"github.com/firelion/insight-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

// transportDeps carries everything a transport section may need to assemble itself. The
// MCP clients are only consumed by the local providers.
type transportDeps struct {
	ctx          context.Context
	systemPrompt string
	mcpClients   []*mcp.Client
	logger       *slog.Logger
}

type transportConfig interface {
	transport(deps transportDeps) (chat.Transport, error)
}

// BaseLLMConfig contains the common fields for all transport configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port            string                          `yaml:"port"`
	SystemPrompt    string                          `yaml:"systemPrompt"`
	Transport       transportConfig                 `yaml:"transport"`
	Classifier      chat.ClassifierConfig           `yaml:"classifier"`
	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
}

type agentConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string                          `yaml:"port"`
		SystemPrompt    string                          `yaml:"systemPrompt"`
		Transport       map[string]any                  `yaml:"transport"`
		Classifier      chat.ClassifierConfig           `yaml:"classifier"`
		MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
		MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Classifier = rawConfig.Classifier

	provider, ok := rawConfig.Transport["provider"].(string)
	if !ok {
		return fmt.Errorf("transport provider is required")
	}

	transportRawYAML, err := yaml.Marshal(rawConfig.Transport)
	if err != nil {
		return err
	}

	var transport transportConfig
	switch provider {
	case "agent":
		transport = &agentConfig{}
	case "openai":
		transport = &openAIConfig{}
	case "ollama":
		transport = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown transport provider: %s", provider)
	}

	if err := yaml.Unmarshal(transportRawYAML, transport); err != nil {
		return err
	}

	c.Transport = transport
	c.MCPSSEServers = rawConfig.MCPSSEServers
	c.MCPStdIOServers = rawConfig.MCPStdIOServers

	return nil
}

// classifier merges the configured overrides over the default keyword tables, so a partial
// classifier section only replaces what it names.
func (c config) classifier() chat.ClassifierConfig {
	cfg := chat.DefaultClassifierConfig()
	if len(c.Classifier.ReportKeywords) > 0 {
		cfg.ReportKeywords = c.Classifier.ReportKeywords
	}
	if len(c.Classifier.ToolKeywords) > 0 {
		cfg.ToolKeywords = c.Classifier.ToolKeywords
	}
	if len(c.Classifier.ReasoningWords) > 0 {
		cfg.ReasoningWords = c.Classifier.ReasoningWords
	}
	if c.Classifier.LengthThreshold > 0 {
		cfg.LengthThreshold = c.Classifier.LengthThreshold
	}
	return cfg
}

func (a agentConfig) transport(deps transportDeps) (chat.Transport, error) {
	if a.BaseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("INSIGHT_AGENT_API_KEY")
	}
	return services.NewAgentAPI(a.BaseURL, apiKey, deps.logger), nil
}

func (o openAIConfig) transport(deps transportDeps) (chat.Transport, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	llm := services.NewOpenAI(apiKey, o.Model, deps.systemPrompt, deps.logger)
	return services.NewLocalAgent(deps.ctx, llm, deps.mcpClients, deps.logger)
}

func (o ollamaConfig) transport(deps transportDeps) (chat.Transport, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	llm := services.NewOllama(host, o.Model, deps.systemPrompt)
	return services.NewLocalAgent(deps.ctx, llm, deps.mcpClients, deps.logger)
}
