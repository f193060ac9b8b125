package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"gopkg.in/yaml.v3"
)

// ParseConfigs reads workflow configurations from a YAML or JSON document
// holding either one configuration or a list of them. Every configuration
// is validated and must be named.
func ParseConfigs(data []byte, fileName string) ([]models.WorkflowConfig, error) {
	var configs []models.WorkflowConfig
	var err error
	if strings.HasSuffix(strings.ToLower(fileName), ".json") {
		configs, err = decodeConfigs(data, json.Unmarshal)
	} else {
		configs, err = decodeConfigs(data, yaml.Unmarshal)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfiguration, fileName, err)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: %s holds no workflow configurations", ErrConfiguration, fileName)
	}

	for i := range configs {
		if configs[i].Name == "" {
			return nil, fmt.Errorf("%w: configuration %d in %s has no Name", ErrConfiguration, i+1, fileName)
		}
		if err := ValidateConfig(&configs[i]); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

func decodeConfigs(data []byte, unmarshal func([]byte, any) error) ([]models.WorkflowConfig, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) || bytes.HasPrefix(trimmed, []byte("-")) {
		var configs []models.WorkflowConfig
		if err := unmarshal(trimmed, &configs); err != nil {
			return nil, err
		}
		return configs, nil
	}
	var cfg models.WorkflowConfig
	if err := unmarshal(trimmed, &cfg); err != nil {
		return nil, err
	}
	return []models.WorkflowConfig{cfg}, nil
}
