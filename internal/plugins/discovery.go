package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DiscoverAgents searches for executable agents in the given paths and returns
// a map of agent name to full path. Earlier paths win on name clashes. With no
// paths, DefaultAgentPaths is searched.
func DiscoverAgents(paths []string) (map[string]string, error) {
	agents := make(map[string]string)

	if len(paths) == 0 {
		paths = DefaultAgentPaths()
	}

	for _, path := range paths {
		dir := expandPath(path)

		entries, err := os.ReadDir(dir)
		if err != nil {
			// missing or unreadable directories are skipped
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if _, exists := agents[name]; exists {
				continue
			}
			fullPath := filepath.Join(dir, name)
			if isExecutable(fullPath) {
				agents[name] = fullPath
			}
		}
	}

	return agents, nil
}

// DefaultAgentPaths returns the agent search paths in priority order:
// ./agents, $CRONWATCH_HOME/agents, /usr/local/lib/cronwatch/agents.
func DefaultAgentPaths() []string {
	paths := []string{"./agents/"}

	if home := os.Getenv("CRONWATCH_HOME"); home != "" {
		paths = append(paths, filepath.Join(home, "agents"))
	}

	return append(paths, "/usr/local/lib/cronwatch/agents/")
}

// expandPath expands environment variables and resolves relative paths
func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if !filepath.IsAbs(expanded) {
		if abs, err := filepath.Abs(expanded); err == nil {
			return abs
		}
	}
	return expanded
}

// isExecutable follows symlinks and checks for any execute bit.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// FindAgent looks up an agent by name in the discovered agents map
func FindAgent(agents map[string]string, name string) (string, error) {
	path, exists := agents[name]
	if !exists {
		return "", fmt.Errorf("agent not found: %s", name)
	}
	return path, nil
}

// agentNames returns the sorted agent names
func agentNames(agents map[string]string) []string {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
