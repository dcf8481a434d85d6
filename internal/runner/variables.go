package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/inercia/myfisker/internal/appdir"
)

// VariableResolver expands variables in restriction paths.
//
// Supported variables, as $VAR or ${VAR}:
//   - HOME - User's home directory
//   - MYFISKER_DIR - myfisker data directory
//   - USER - Current username
//   - TMPDIR - System temp directory
type VariableResolver struct {
	replacer *strings.Replacer
	home     string
}

// NewVariableResolver creates a resolver with runtime values.
func NewVariableResolver() *VariableResolver {
	home, _ := os.UserHomeDir()
	dataDir, _ := appdir.Dir()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME") // Windows fallback
	}
	return newVariableResolver(map[string]string{
		"HOME":         home,
		"MYFISKER_DIR": dataDir,
		"USER":         user,
		"TMPDIR":       os.TempDir(),
	})
}

func newVariableResolver(vars map[string]string) *VariableResolver {
	var pairs []string
	for name, value := range vars {
		// Braced form first so "${HOME}" is not half-replaced by "$HOME".
		pairs = append(pairs, "${"+name+"}", value)
	}
	for name, value := range vars {
		pairs = append(pairs, "$"+name, value)
	}
	return &VariableResolver{
		replacer: strings.NewReplacer(pairs...),
		home:     vars["HOME"],
	}
}

// Resolve replaces variables in a path and expands a leading ~/.
func (vr *VariableResolver) Resolve(path string) string {
	path = vr.replacer.Replace(path)
	if strings.HasPrefix(path, "~/") {
		path = filepath.Join(vr.home, path[2:])
	}
	return path
}

// ResolvePaths resolves variables in a list of paths.
func (vr *VariableResolver) ResolvePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	resolved := make([]string, len(paths))
	for i, p := range paths {
		resolved[i] = vr.Resolve(p)
	}
	return resolved
}
