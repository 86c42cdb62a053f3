// Package agentconfig resolves the active agent configuration from the
// external configuration store. Each session receives its own immutable
// snapshot at start; activating a different configuration never affects
// sessions that are already running.
package agentconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("configuration not found")

// ToolDefinition is one tool exposed to the agent, as served by the
// tool-configurations catalog.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Snapshot is the immutable per-session view of the agent configuration.
// Fields are copied out of the store responses; callers must not mutate the
// slices after construction.
type Snapshot struct {
	ID                string
	Name              string
	Instructions      string
	PersonalityConfig map[string]string
	Tools             []ToolDefinition
	PrimaryLanguage   string
	SecondaryLanguage string
	ResolvedAt        time.Time
}

type configurationDoc struct {
	ID                      string            `json:"id"`
	Name                    string            `json:"name"`
	Instructions            string            `json:"instructions"`
	PersonalityConfig       map[string]string `json:"personality_config"`
	PersonalityInstructions string            `json:"personality_instructions"`
	Tools                   []string          `json:"tools"`
}

type languagesDoc struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
}

type Resolver struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	activeID string
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewResolver(opts Options) (*Resolver, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("configuration store base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid configuration store base url: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		baseURL:    base,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		logger:     opts.Logger,
		now:        opts.Now,
	}, nil
}

// Activate pins the configuration used by sessions started from now on.
// Returns ErrNotFound when the store does not know the id. In-flight sessions
// keep their snapshots.
func (r *Resolver) Activate(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc configurationDoc
	if err := r.getJSON(ctx, "/configurations/"+url.PathEscape(id), &doc); err != nil {
		return err
	}

	r.mu.Lock()
	r.activeID = id
	r.mu.Unlock()

	r.logger.Info("configuration activated", "configuration_id", id, "name", doc.Name)
	return nil
}

// ActiveID returns the currently pinned configuration id, empty when the
// store's own active configuration is used.
func (r *Resolver) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Resolve fetches the active configuration, tool catalog, and language
// selection and renders them into a session snapshot. The whole round trip is
// bounded by the resolver timeout; a timeout surfaces as a plain error so the
// caller can treat it as a connect failure.
func (r *Resolver) Resolve(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	path := "/configurations/active"
	if id := r.ActiveID(); id != "" {
		path = "/configurations/" + url.PathEscape(id)
	}

	var doc configurationDoc
	if err := r.getJSON(ctx, path, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("resolve configuration: %w", err)
	}

	var catalog []ToolDefinition
	if len(doc.Tools) > 0 {
		if err := r.getJSON(ctx, "/tool-configurations", &catalog); err != nil {
			return Snapshot{}, fmt.Errorf("resolve tool catalog: %w", err)
		}
	}

	var langs languagesDoc
	if err := r.getJSON(ctx, "/languages/active", &langs); err != nil {
		// The language catalog is optional store surface; sessions run
		// without language tags when it is absent.
		if !errors.Is(err, ErrNotFound) {
			return Snapshot{}, fmt.Errorf("resolve languages: %w", err)
		}
	}

	snap := Snapshot{
		ID:                doc.ID,
		Name:              doc.Name,
		Instructions:      renderInstructions(doc, langs),
		PersonalityConfig: copyStringMap(doc.PersonalityConfig),
		Tools:             selectTools(doc.Tools, catalog),
		PrimaryLanguage:   strings.TrimSpace(langs.Primary),
		SecondaryLanguage: strings.TrimSpace(langs.Secondary),
		ResolvedAt:        r.now(),
	}
	return snap, nil
}

func (r *Resolver) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("configuration store request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("configuration store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode configuration store response: %w", err)
	}
	return nil
}

func renderInstructions(doc configurationDoc, langs languagesDoc) string {
	parts := make([]string, 0, 3)
	if s := strings.TrimSpace(doc.Instructions); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(doc.PersonalityInstructions); s != "" {
		parts = append(parts, s)
	}
	primary := strings.TrimSpace(langs.Primary)
	if primary != "" {
		note := "Respond in " + primary + "."
		if secondary := strings.TrimSpace(langs.Secondary); secondary != "" {
			note += " Switch to " + secondary + " when the caller does."
		}
		parts = append(parts, note)
	}
	return strings.Join(parts, "\n\n")
}

func selectTools(enabled []string, catalog []ToolDefinition) []ToolDefinition {
	if len(enabled) == 0 {
		return nil
	}
	byName := make(map[string]ToolDefinition, len(catalog))
	for _, def := range catalog {
		byName[strings.TrimSpace(def.Name)] = def
	}
	out := make([]ToolDefinition, 0, len(enabled))
	for _, name := range enabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if def, ok := byName[name]; ok {
			out = append(out, def)
			continue
		}
		// Tool enabled but absent from the catalog: carry the name so the
		// agent backend can still advertise it.
		out = append(out, ToolDefinition{Name: name})
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
