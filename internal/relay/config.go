package relay

// ServiceConfig is the (serviceName, agentGroupName, serverBindEndpoint,
// agentServiceEndpoint) tuple from spec §3. Its identity key is
// (ServiceName, AgentGroupName); the configured set is immutable for the
// lifetime of a server run.
type ServiceConfig struct {
	ServiceName          string
	AgentGroupName       string
	ServerBindEndpoint   string
	AgentServiceEndpoint string
}

// Key returns the identity key used to detect duplicate configs.
func (c ServiceConfig) Key() string {
	return c.ServiceName + ":" + c.AgentGroupName
}

// MergeServiceConfigs merges additional into base by Key(), preserving
// base's entry and invoking onDuplicate for any additional entry whose key
// already exists (spec §3: "duplicates on input are discarded with a
// warning"). onDuplicate may be nil.
func MergeServiceConfigs(base []ServiceConfig, additional []ServiceConfig, onDuplicate func(ServiceConfig)) []ServiceConfig {
	seen := make(map[string]bool, len(base))
	merged := make([]ServiceConfig, 0, len(base)+len(additional))
	for _, c := range base {
		key := c.Key()
		if seen[key] {
			if onDuplicate != nil {
				onDuplicate(c)
			}
			continue
		}
		seen[key] = true
		merged = append(merged, c)
	}
	for _, c := range additional {
		key := c.Key()
		if seen[key] {
			if onDuplicate != nil {
				onDuplicate(c)
			}
			continue
		}
		seen[key] = true
		merged = append(merged, c)
	}
	return merged
}
