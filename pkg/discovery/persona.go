package discovery

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PersonaProfile weights one persona's preferred entity kinds after fusion.
//
// Example profiles file:
//
//	personas:
//	  - name: compliance
//	    boost: 1.5
//	    preferred_kinds: [molecule]
//	  - name: researcher
//	    boost: 1.2
//	    preferred_kinds: [document, atom]
type PersonaProfile struct {
	Name           string   `yaml:"name"`
	Boost          float64  `yaml:"boost"`
	PreferredKinds []string `yaml:"preferred_kinds"`
}

type personaFile struct {
	Personas []PersonaProfile `yaml:"personas"`
}

// LoadPersonaProfiles reads persona boost profiles from a YAML file.
func LoadPersonaProfiles(path string) (map[string]PersonaProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona profiles: %w", err)
	}
	return ParsePersonaProfiles(data)
}

// ParsePersonaProfiles parses persona profiles from YAML bytes.
func ParsePersonaProfiles(data []byte) (map[string]PersonaProfile, error) {
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse persona profiles: %w", err)
	}

	profiles := make(map[string]PersonaProfile, len(file.Personas))
	for _, p := range file.Personas {
		if p.Name == "" {
			return nil, fmt.Errorf("persona profile missing name")
		}
		if p.Boost <= 0 {
			return nil, fmt.Errorf("persona %q: boost must be positive", p.Name)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}
