package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// resolveIncludes loads path and every document it includes, depth first.
// Included scenarios come before the including document's own; maps are
// merged with the including document winning.
func resolveIncludes(path string) (map[string]any, []string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve scenario path: %w", err)
	}
	return resolveDocument(absPath, nil)
}

func resolveDocument(path string, chain []string) (map[string]any, []string, error) {
	if idx := indexOfPath(chain, path); idx >= 0 {
		cycle := append(append([]string{}, chain[idx:]...), path)
		return nil, nil, fmt.Errorf("detected include cycle: %s", strings.Join(cycle, " -> "))
	}
	chain = append(chain, path)

	doc, includes, err := loadIncludeDocument(path, len(chain) == 1)
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[string]any)
	for _, includeRef := range includes {
		includePath, err := resolveIncludePath(path, includeRef)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: include %q: %w", path, includeRef, err)
		}
		childDoc, _, err := resolveDocument(includePath, chain)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: include %q: %w", path, includeRef, err)
		}
		merged = mergeDocuments(merged, childDoc)
	}
	return mergeDocuments(merged, doc), includes, nil
}

func loadIncludeDocument(path string, root bool) (map[string]any, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if root {
			return nil, nil, fmt.Errorf("open scenario file: %w", err)
		}
		return nil, nil, fmt.Errorf("open include file: %w", err)
	}
	raw, err := decodeRaw(path, data)
	if err != nil {
		return nil, nil, err
	}

	includes, err := extractIncludes(path, raw)
	if err != nil {
		return nil, nil, err
	}
	delete(raw, "includes")
	return raw, includes, nil
}

func decodeRaw(name string, data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", name, err)
	}
	if raw == nil {
		raw = make(map[string]any)
	}
	expandYAMLValues(raw)
	return raw, nil
}

func extractIncludes(path string, raw map[string]any) ([]string, error) {
	value, ok := raw["includes"]
	if !ok || value == nil {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: includes must be a list of strings", path)
	}
	includes := make([]string, 0, len(list))
	for i, entry := range list {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%s: includes[%d] must be a string", path, i)
		}
		includes = append(includes, s)
	}
	return includes, nil
}

func resolveIncludePath(parent, includeRef string) (string, error) {
	if strings.TrimSpace(includeRef) == "" {
		return "", fmt.Errorf("include path is empty")
	}
	if looksLikeURL(includeRef) {
		return "", fmt.Errorf("remote include %q is not supported", includeRef)
	}
	includePath := includeRef
	if !filepath.IsAbs(includeRef) {
		includePath = filepath.Join(filepath.Dir(parent), includeRef)
	}
	abs, err := filepath.Abs(includePath)
	if err != nil {
		return "", fmt.Errorf("resolve include path: %w", err)
	}
	return abs, nil
}

func looksLikeURL(path string) bool {
	if strings.Contains(path, "://") {
		if u, err := url.Parse(path); err == nil && u.Scheme != "" {
			return true
		}
	}
	return false
}

// mergeDocuments overlays src onto dst. Scenario lists are concatenated,
// nested maps merged, everything else replaced.
func mergeDocuments(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		srcVal := src[key]
		if key == "scenarios" {
			existing, _ := dst[key].([]any)
			incoming, _ := srcVal.([]any)
			if existing != nil && incoming != nil {
				dst[key] = append(append([]any(nil), existing...), incoming...)
				continue
			}
		}
		if srcMap, ok := srcVal.(map[string]any); ok {
			dstMap, _ := dst[key].(map[string]any)
			dst[key] = mergeDocuments(dstMap, srcMap)
			continue
		}
		dst[key] = srcVal
	}
	return dst
}

func expandYAMLValues(doc map[string]any) {
	for key, value := range doc {
		doc[key] = expandValueRecursive(value)
	}
}

func expandValueRecursive(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		expandYAMLValues(typed)
		return typed
	case []any:
		for i, elem := range typed {
			typed[i] = expandValueRecursive(elem)
		}
		return typed
	case string:
		return expandEnvWithDefault(typed)
	default:
		return value
	}
}

var defaultExpr = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)

// expandEnvWithDefault expands $VAR and ${VAR} from the environment and
// ${VAR:-fallback}, which yields fallback when VAR is unset or empty.
// References to unset variables are kept (as ${VAR}) so shell snippets in
// commands survive; $$ produces a literal $.
func expandEnvWithDefault(s string) string {
	s = defaultExpr.ReplaceAllStringFunc(s, func(match string) string {
		parts := defaultExpr.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
	return os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

func indexOfPath(paths []string, target string) int {
	for i, p := range paths {
		if p == target {
			return i
		}
	}
	return -1
}
