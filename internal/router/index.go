package router

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"go.uber.org/zap"
)

// CapabilityIndex is an in-memory full-text index of declared capabilities,
// one document per server. Capability names are normalized (underscores and
// dashes become spaces) so "list files" finds a server declaring
// "list_files".
type CapabilityIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	logger *zap.Logger
}

// CapabilityMatch is one scored index hit.
type CapabilityMatch struct {
	Server string
	Score  float64
}

// NewCapabilityIndex builds an empty in-memory index.
func NewCapabilityIndex(logger *zap.Logger) (*CapabilityIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mapping := bleve.NewIndexMapping()
	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create capability index: %w", err)
	}
	return &CapabilityIndex{index: index, logger: logger}, nil
}

// Upsert indexes a server's declared capabilities, replacing any previous
// entry. Servers without capabilities are removed from the index.
func (ci *CapabilityIndex) Upsert(server string, capabilities []string) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()

	if len(capabilities) == 0 {
		return ci.index.Delete(server)
	}

	normalized := make([]string, len(capabilities))
	for i, c := range capabilities {
		normalized[i] = normalizeCapability(c)
	}
	doc := map[string]any{
		"server":       server,
		"capabilities": strings.Join(normalized, " "),
	}
	if err := ci.index.Index(server, doc); err != nil {
		return fmt.Errorf("failed to index capabilities for %q: %w", server, err)
	}
	return nil
}

// Remove drops a server from the index.
func (ci *CapabilityIndex) Remove(server string) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.index.Delete(server)
}

// Match scores the message against every server's capabilities and returns
// hits at or above minScore, best first.
func (ci *CapabilityIndex) Match(message string, minScore float64) ([]CapabilityMatch, error) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()

	query := bleve.NewMatchQuery(normalizeCapability(message))
	query.SetField("capabilities")
	req := bleve.NewSearchRequest(query)
	req.Size = 10

	result, err := ci.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("capability search failed: %w", err)
	}

	var matches []CapabilityMatch
	for _, hit := range result.Hits {
		if hit.Score < minScore {
			continue
		}
		matches = append(matches, CapabilityMatch{Server: hit.ID, Score: hit.Score})
	}
	return matches, nil
}

// Close releases the index.
func (ci *CapabilityIndex) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.index.Close()
}

func normalizeCapability(name string) string {
	replaced := strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.ToLower(replaced)
}
