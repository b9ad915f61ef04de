package graph

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-engine/types"
)

// Parse decodes a definition document. YAML and JSON are both accepted.
func Parse(data []byte) (types.Definition, error) {
	var def types.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return types.Definition{}, fmt.Errorf("parse definition: %w", err)
	}
	for i := range def.Nodes {
		if def.Nodes[i].Type == types.NodeTask && def.Nodes[i].TaskType == "" {
			def.Nodes[i].TaskType = types.UserTask
		}
	}
	return def, nil
}
