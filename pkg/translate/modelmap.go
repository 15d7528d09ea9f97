package translate

import (
	"regexp"
	"strings"
)

var dateSuffix = regexp.MustCompile(`-\d{8}$`)

// ModelMapper resolves client model names to Copilot model ids: configured
// aliases first, then Anthropic-style Claude names.
type ModelMapper struct {
	aliases map[string]string
}

func NewModelMapper(aliases map[string]string) ModelMapper {
	m := ModelMapper{aliases: make(map[string]string, len(aliases))}
	for k, v := range aliases {
		m.aliases[strings.ToLower(k)] = v
	}
	return m
}

func (m ModelMapper) Resolve(name string) string {
	name = strings.TrimSpace(name)
	if to, ok := m.aliases[strings.ToLower(name)]; ok {
		return to
	}
	return copilotClaudeName(name)
}

// copilotClaudeName maps names like claude-sonnet-4-5-20250929 or
// claude-3-opus to the dotted ids Copilot lists. Dotted names with an
// unrecognised version pass through untouched.
func copilotClaudeName(name string) string {
	lower := strings.ToLower(name)
	if !strings.HasPrefix(lower, "claude") {
		return name
	}
	lower = dateSuffix.ReplaceAllString(lower, "")
	version := ""
	switch {
	case strings.Contains(lower, "4-6"), strings.Contains(lower, "4.6"):
		version = "4.6"
	case strings.Contains(lower, "4-5"), strings.Contains(lower, "4.5"):
		version = "4.5"
	}
	legacy := strings.HasPrefix(lower, "claude-3")
	if strings.Contains(name, ".") && version == "" && !legacy {
		return name
	}
	switch {
	case strings.Contains(lower, "sonnet"):
		if version != "" {
			return "claude-sonnet-" + version
		}
		return "claude-sonnet-4"
	case strings.Contains(lower, "opus"):
		if version != "" {
			return "claude-opus-" + version
		}
		return "claude-opus-41"
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5"
	}
	return name
}
