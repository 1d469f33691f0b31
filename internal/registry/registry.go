package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/mcpvisor/internal/supervisor"
)

// Definition is the persisted description of one MCP server.
type Definition = supervisor.Definition

var (
	ErrNotFound  = errors.New("server not found")
	ErrDuplicate = errors.New("server already exists")
	ErrInvalid   = errors.New("invalid server definition")
)

const (
	// FileName is the registry file inside the assistant's config directory.
	FileName = "mcp-servers.json"

	envConfigPath = "MCP_CONFIG_PATH"
	envClaudeHome = "CLAUDE_HOME"
	serversKey    = "mcpServers"
)

// entry is the on-disk shape of one server.
type entry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// Registry reads and writes server definitions in mcp-servers.json.
// The file is re-read on every call so edits made by other tools are picked up;
// writes replace it atomically and keep unknown top-level keys.
type Registry struct {
	path string
	mu   sync.Mutex
}

// New returns a registry backed by path. The file need not exist.
func New(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the backing file.
func (r *Registry) Path() string { return r.path }

// ResolvePath picks the registry file: configured, then $MCP_CONFIG_PATH,
// then $CLAUDE_HOME/mcp-servers.json, then ~/.claude/mcp-servers.json.
func ResolvePath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if p := os.Getenv(envConfigPath); p != "" {
		return p, nil
	}
	if h := os.Getenv(envClaudeHome); h != "" {
		return filepath.Join(h, FileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve registry path: %w", err)
	}
	return filepath.Join(home, ".claude", FileName), nil
}

// DeriveID turns a display name into an id: lower-cased, every character outside
// [a-z0-9-] replaced by '-'.
func DeriveID(name string) string {
	return strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			return c
		}
		return '-'
	}, strings.ToLower(name))
}

// List returns every definition sorted by id.
func (r *Registry) List() ([]Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, servers, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(servers))
	for id, e := range servers {
		out = append(out, toDefinition(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns the definition of id or ErrNotFound.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, servers, err := r.load()
	if err != nil {
		return Definition{}, err
	}
	e, ok := servers[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return toDefinition(id, e), nil
}

// NewServer is the input of Add.
type NewServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// Add stores a new server under the id derived from its name.
func (r *Registry) Add(in NewServer) (Definition, error) {
	name := strings.TrimSpace(in.Name)
	cmd := strings.TrimSpace(in.Command)
	if name == "" || cmd == "" {
		return Definition{}, fmt.Errorf("%w: name and command are required", ErrInvalid)
	}
	id := DeriveID(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	doc, servers, err := r.load()
	if err != nil {
		return Definition{}, err
	}
	if _, ok := servers[id]; ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	e := entry{Command: cmd, Args: in.Args, Env: in.Env, Enabled: in.Enabled}
	servers[id] = e
	if err := r.save(doc, servers); err != nil {
		return Definition{}, err
	}
	return toDefinition(id, e), nil
}

// Patch holds the fields Update changes; nil fields are left alone.
type Patch struct {
	Command *string            `json:"command,omitempty"`
	Args    *[]string          `json:"args,omitempty"`
	Env     *map[string]string `json:"env,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
}

// Update applies p to id and returns the stored result.
func (r *Registry) Update(id string, p Patch) (Definition, error) {
	if p.Command != nil && strings.TrimSpace(*p.Command) == "" {
		return Definition{}, fmt.Errorf("%w: command must not be empty", ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, servers, err := r.load()
	if err != nil {
		return Definition{}, err
	}
	e, ok := servers[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Command != nil {
		e.Command = strings.TrimSpace(*p.Command)
	}
	if p.Args != nil {
		e.Args = *p.Args
	}
	if p.Env != nil {
		e.Env = *p.Env
	}
	if p.Enabled != nil {
		v := *p.Enabled
		e.Enabled = &v
	}
	servers[id] = e
	if err := r.save(doc, servers); err != nil {
		return Definition{}, err
	}
	return toDefinition(id, e), nil
}

// SetEnabled flips the enabled flag of id.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	_, err := r.Update(id, Patch{Enabled: &enabled})
	return err
}

// Delete removes id.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, servers, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := servers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(servers, id)
	return r.save(doc, servers)
}

func toDefinition(id string, e entry) Definition {
	enabled := e.Enabled == nil || *e.Enabled
	args := e.Args
	if args == nil {
		args = []string{}
	}
	return Definition{ID: id, Name: id, Command: e.Command, Args: args, Env: e.Env, Enabled: enabled}
}

// load reads the whole document. A missing or empty file is an empty registry.
func (r *Registry) load() (map[string]json.RawMessage, map[string]entry, error) {
	doc := map[string]json.RawMessage{}
	servers := map[string]entry{}
	b, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, servers, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return doc, servers, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", r.path, err)
	}
	if raw, ok := doc[serversKey]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return nil, nil, fmt.Errorf("parse %s: %s: %w", r.path, serversKey, err)
		}
	}
	return doc, servers, nil
}

// save writes the document through a temp file in the same directory and renames it into place.
func (r *Registry) save(doc map[string]json.RawMessage, servers map[string]entry) error {
	raw, err := json.Marshal(servers)
	if err != nil {
		return err
	}
	doc[serversKey] = raw
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	return nil
}
