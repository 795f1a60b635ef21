package model

import (
	"errors"
	"strings"
)

const (
	DefaultAIBaseURL   = "https://api.deepseek.com/v1/chat/completions"
	DefaultAIModelName = "deepseek-chat"
)

// AISettings configures the report generator. One record per user.
type AISettings struct {
	OpenAPIKey string `json:"openApiKey"`
	BaseURL    string `json:"baseUrl"`
	ModelName  string `json:"modelName"`
}

// DefaultAISettings is what a store persists on the first read when no
// settings exist yet.
func DefaultAISettings() AISettings {
	return AISettings{
		OpenAPIKey: "",
		BaseURL:    DefaultAIBaseURL,
		ModelName:  DefaultAIModelName,
	}
}

func (s AISettings) Validate() error {
	if strings.TrimSpace(s.BaseURL) == "" {
		return errors.New("settings: baseUrl is required")
	}
	if strings.TrimSpace(s.ModelName) == "" {
		return errors.New("settings: modelName is required")
	}
	return nil
}

// Configured reports whether the settings are complete enough to call the
// report generator.
func (s AISettings) Configured() bool {
	return s.OpenAPIKey != "" && s.BaseURL != "" && s.ModelName != ""
}
