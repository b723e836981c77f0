package consumer

import (
	"fmt"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// NewConsumer builds a consumer from its configuration entry.
func NewConsumer(cfg types.ConsumerConfig) (types.Consumer, error) {
	switch cfg.Type {
	case "SaveToNDJSON":
		return NewSaveToNDJSON(cfg.Config)
	case "SaveToS3":
		return NewSaveToS3(cfg.Config)
	case "SaveToGCS":
		return NewSaveToGCS(cfg.Config)
	case "SaveToPostgreSQL":
		return NewSaveToPostgreSQL(cfg.Config)
	case "SaveToSQLite":
		return NewSaveToSQLite(cfg.Config)
	case "SaveToClickHouse":
		return NewSaveToClickHouse(cfg.Config)
	case "StdoutSink":
		return NewStdoutConsumer(), nil
	default:
		return nil, fmt.Errorf("unsupported consumer type: %s", cfg.Type)
	}
}

func getStringConfig(config map[string]interface{}, key, defaultValue string) string {
	if val, ok := config[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}

func getIntConfig(config map[string]interface{}, key string, defaultValue int) int {
	if val, ok := config[key].(int); ok {
		return val
	}
	if val, ok := config[key].(float64); ok {
		return int(val)
	}
	return defaultValue
}
