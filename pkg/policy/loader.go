package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads custom policies from Rego, JSON and YAML files. Parsed files
// are cached until their modification time changes.
type Loader struct {
	logger zerolog.Logger
	cache  map[string]cachedPolicy
	mu     sync.RWMutex
}

type cachedPolicy struct {
	policy  Policy
	modTime time.Time
}

// policyDocument is the on-disk shape of a JSON or YAML policy.
type policyDocument struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Rego        string   `json:"rego" yaml:"rego"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     *bool    `json:"enabled" yaml:"enabled"`
	Tags        []string `json:"tags" yaml:"tags"`
}

// bundleDocument is the on-disk shape of a policy bundle.
type bundleDocument struct {
	Name        string           `json:"name" yaml:"name"`
	Version     string           `json:"version" yaml:"version"`
	Description string           `json:"description" yaml:"description"`
	Policies    []policyDocument `json:"policies" yaml:"policies"`
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads policies from files and directories. A path that
// cannot be read fails the whole load; inside a directory, unparseable
// files are skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		if info.IsDir() {
			policies, err := l.loadFromDirectory(ctx, path)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			all = append(all, policies...)
			continue
		}

		policy, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, *policy)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

// isPolicyFile reports whether a directory entry should be loaded. Rego
// unit tests (*_test.rego) are not admission policies.
func isPolicyFile(name string) bool {
	if strings.HasSuffix(name, "_test.rego") {
		return false
	}
	switch filepath.Ext(name) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dirPath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPolicyFile(d.Name()) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		policy, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

// loadFromFile returns a copy of the policy in filePath, re-reading the
// file only when its modification time changed.
func (l *Loader) loadFromFile(_ context.Context, filePath string) (*Policy, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.RLock()
	cached, ok := l.cache[filePath]
	l.mu.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		policy := cached.policy
		return &policy, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policy = regoPolicy(filePath, string(data))
	case ".json":
		var doc policyDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		policy, err = doc.toPolicy()
	case ".yaml", ".yml":
		var doc policyDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
		}
		policy, err = doc.toPolicy()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	if policy.Metadata == nil {
		policy.Metadata = make(map[string]interface{})
	}
	policy.Metadata["source"] = filePath

	l.mu.Lock()
	l.cache[filePath] = cachedPolicy{policy: *policy, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Str("severity", string(policy.Severity)).
		Msg("Policy loaded from file")

	return policy, nil
}

// regoPolicy builds a policy from a bare .rego file, named after the file
// and described by its header comments.
func regoPolicy(filePath, source string) *Policy {
	header := parseHeader(source)
	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: header.description,
		Rego:        source,
		Severity:    header.severity,
		Enabled:     true,
		Tags:        header.tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// toPolicy applies defaults: severity from the Rego header, then error;
// enabled unless set to false.
func (d policyDocument) toPolicy() (*Policy, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if strings.TrimSpace(d.Rego) == "" {
		return nil, fmt.Errorf("policy %s has no rego source", d.Name)
	}

	header := parseHeader(d.Rego)
	severity := d.Severity
	if severity == "" {
		severity = header.severity
	}
	if !severity.valid() {
		return nil, fmt.Errorf("policy %s has unknown severity %q", d.Name, severity)
	}
	description := d.Description
	if description == "" {
		description = header.description
	}
	tags := d.Tags
	if tags == nil {
		tags = header.tags
	}

	now := time.Now()
	return &Policy{
		Name:        d.Name,
		Description: description,
		Rego:        d.Rego,
		Severity:    severity,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// regoHeader is what the leading comment block of a Rego file declares.
type regoHeader struct {
	description string
	severity    Severity
	tags        []string
}

// parseHeader reads the comment lines before the first statement.
// "# severity: <level>" and "# tags: a, b" are directives; every other
// non-empty comment line is joined into the description.
func parseHeader(source string) regoHeader {
	h := regoHeader{severity: SeverityError, tags: []string{}}
	var desc []string

	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)

		switch {
		case comment == "":
		case strings.HasPrefix(comment, "severity:"):
			if sev := Severity(strings.TrimSpace(strings.TrimPrefix(comment, "severity:"))); sev.valid() {
				h.severity = sev
			}
		case strings.HasPrefix(comment, "tags:"):
			for _, tag := range strings.Split(strings.TrimPrefix(comment, "tags:"), ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					h.tags = append(h.tags, tag)
				}
			}
		default:
			desc = append(desc, comment)
		}
	}

	h.description = strings.Join(desc, " ")
	return h
}

// LoadBundle reads a JSON or YAML bundle. Every policy in it is checked
// the same way a single policy file is.
func (l *Loader) LoadBundle(_ context.Context, bundlePath string) (*PolicyBundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var doc bundleDocument
	switch filepath.Ext(bundlePath) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("bundle %s has no name", bundlePath)
	}

	bundle := &PolicyBundle{
		Name:        doc.Name,
		Version:     doc.Version,
		Description: doc.Description,
		Policies:    make([]Policy, 0, len(doc.Policies)),
		CreatedAt:   time.Now(),
	}
	for _, pd := range doc.Policies {
		p, err := pd.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("bundle %s: %w", doc.Name, err)
		}
		p.Metadata = map[string]interface{}{
			"source": bundlePath,
			"bundle": doc.Name + "@" + doc.Version,
		}
		bundle.Policies = append(bundle.Policies, *p)
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")

	return bundle, nil
}

// ClearCache drops every cached policy file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]cachedPolicy)
	l.logger.Debug().Msg("Policy cache cleared")
}
