package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys used for pvbridge resources
const (
	LabelProject       = "pvbridge.project"
	LabelInstanceName  = "pvbridge.instance.name"
	LabelInstanceRunID = "pvbridge.instance.run_id"
	LabelConfigPath    = "pvbridge.config.path"
	LabelComponent     = "pvbridge.component"
	LabelRedisPort     = "pvbridge.redis.port"
	LabelModel         = "pvbridge.model"
)

// BuildLabels creates the standard label set for all pvbridge resources.
// All parameters are required except component (which is resource-specific).
func BuildLabels(instanceName, runID, configPath, component string) map[string]string {
	labels := map[string]string{
		LabelProject:       "true",
		LabelInstanceName:  instanceName,
		LabelInstanceRunID: runID,
		LabelConfigPath:    configPath,
	}

	if component != "" {
		labels[LabelComponent] = component
	}

	return labels
}

// GenerateRunID creates a new UUID for an instance run.
// Each invocation of `pvbridge up` gets a unique run ID.
func GenerateRunID() string {
	return uuid.New().String()
}

// Resource naming conventions for pvbridge components

// NetworkName returns the Docker network name for an instance
func NetworkName(instanceName string) string {
	return fmt.Sprintf("pvbridge-network-%s", instanceName)
}

// RedisContainerName returns the Redis container name for an instance
func RedisContainerName(instanceName string) string {
	return fmt.Sprintf("pvbridge-redis-%s", instanceName)
}
