// Package watchlist fetches the externally maintained list of symbols to monitor.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry is one watched security.
type Entry struct {
	Symbol string `yaml:"symbol" json:"symbol"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
}

// Group is a named watchlist group.
type Group struct {
	Name       string  `yaml:"name" json:"name"`
	Securities []Entry `yaml:"securities" json:"securities"`
}

// File is the on-disk watchlist document. Either form may be used.
type File struct {
	Watchlist []Entry `yaml:"watchlist"`
	Groups    []Group `yaml:"groups"`
}

// FileSource reads the watchlist from a YAML file on every fetch, so edits apply
// at the next refresh without a restart.
type FileSource struct {
	path   string
	groups map[string]bool
}

// NewFileSource creates a file source. A non-empty groups list restricts grouped
// entries to those group names.
func NewFileSource(path string, groups []string) *FileSource {
	return &FileSource{path: path, groups: groupFilter(groups)}
}

func (s *FileSource) FetchWatchlistSymbols(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist %s: %w", s.path, err)
	}
	return Symbols(f.Watchlist, filterGroups(f.Groups, s.groups)), nil
}

// HTTPSource fetches watchlist groups from the quote gateway.
type HTTPSource struct {
	baseURL    string
	token      string
	groups     map[string]bool
	httpClient *http.Client
}

func NewHTTPSource(baseURL, token string, groups []string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		groups:     groupFilter(groups),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) FetchWatchlistSymbols(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/watchlist/groups", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch watchlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("watchlist request returned status %d", resp.StatusCode)
	}

	var body struct {
		Groups []Group `json:"groups"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode watchlist: %w", err)
	}
	return Symbols(nil, filterGroups(body.Groups, s.groups)), nil
}

// Symbols flattens entries and groups into unique upper-case symbols, first seen first.
func Symbols(entries []Entry, groups []Group) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(e Entry) {
		sym := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if sym == "" {
			return
		}
		if _, dup := seen[sym]; dup {
			return
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	for _, e := range entries {
		add(e)
	}
	for _, g := range groups {
		for _, e := range g.Securities {
			add(e)
		}
	}
	return out
}

func groupFilter(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[strings.TrimSpace(n)] = true
	}
	return m
}

func filterGroups(groups []Group, allow map[string]bool) []Group {
	if allow == nil {
		return groups
	}
	var out []Group
	for _, g := range groups {
		if allow[g.Name] {
			out = append(out, g)
		}
	}
	return out
}
