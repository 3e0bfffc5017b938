package scan

import (
	"encoding/json"
	"fmt"
)

// versionProbe matches the version metadata fields the known report shapes
// carry: a top-level Version (schema or tool version) or a descriptor block.
type versionProbe struct {
	Version    any `json:"Version"`
	Descriptor struct {
		Version string `json:"version"`
	} `json:"descriptor"`
}

// ExtractToolVersions derives tool-version metadata from raw reports. Tools
// whose reports carry no recognizable version field are omitted.
func ExtractToolVersions(reports Reports) map[string]string {
	versions := make(map[string]string)
	for tool, raw := range reports {
		var probe versionProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		switch {
		case probe.Descriptor.Version != "":
			versions[tool] = probe.Descriptor.Version
		case probe.Version != nil:
			versions[tool] = fmt.Sprintf("%v", probe.Version)
		}
	}
	if len(versions) == 0 {
		return nil
	}
	return versions
}
