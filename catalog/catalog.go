// Package catalog defines the Tool Catalogue Entry and Permission Matrix
// Entry types from spec §3, a typed registry in the spirit of
// agent/tools.ToolSpec (Design Note "Dynamic tool metadata -> tagged
// variants") scoped to the fields the core actually needs.
package catalog

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Category is a Tool Catalogue permission category (spec §3).
type Category string

const (
	CategoryObservation         Category = "observation"
	CategoryMemoryRead          Category = "memory_read"
	CategoryMemoryWrite         Category = "memory_write"
	CategoryMemoryDelete        Category = "memory_delete"
	CategoryKnowledgeRead       Category = "knowledge_read"
	CategoryKnowledgeIngest     Category = "knowledge_ingest"
	CategorySelfManagement      Category = "self_management"
	CategorySubagentManage      Category = "subagent_manage"
	CategoryCommunicationReply  Category = "communication_respond"
	CategoryCommunicationOutbnd Category = "communication_outbound"
	CategorySelfImprovement     Category = "self_improvement"
	CategorySelfModification    Category = "self_modification"
)

// Entry is one Tool Catalogue Entry.
type Entry struct {
	ToolID       string
	Category     Category
	ParamsSchema []byte // JSON Schema source
	IsSideEffect bool
	Alternatives []string

	schema *jsonschema.Schema
}

// Catalogue is the global, process-wide tool registry.
type Catalogue struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewCatalogue constructs an empty Catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{entries: make(map[string]*Entry)}
}

// Register adds or replaces entry, compiling its JSON Schema (if present) up
// front so ValidateParams never pays compilation cost on the hot path.
func (c *Catalogue) Register(entry Entry) error {
	if len(entry.ParamsSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(entry.ParamsSchema, &doc); err != nil {
			return err
		}
		if err := compiler.AddResource(entry.ToolID+"#schema", doc); err != nil {
			return err
		}
		schema, err := compiler.Compile(entry.ToolID + "#schema")
		if err != nil {
			return err
		}
		entry.schema = schema
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry
	c.entries[entry.ToolID] = &e
	return nil
}

// Lookup returns the catalogue entry for toolID. Unknown tools default to
// Category=observation (read-only, always permitted) per spec §3.
func (c *Catalogue) Lookup(toolID string) Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[toolID]; ok {
		return *e
	}
	return Entry{ToolID: toolID, Category: CategoryObservation}
}

// ValidateParams validates params against toolID's compiled JSON Schema, if
// one was registered. Unregistered tools or entries without a schema always
// validate successfully.
func (c *Catalogue) ValidateParams(toolID string, params map[string]any) error {
	c.mu.RLock()
	e, ok := c.entries[toolID]
	c.mu.RUnlock()
	if !ok || e.schema == nil {
		return nil
	}
	return e.schema.Validate(params)
}

// All returns a snapshot of every registered entry.
func (c *Catalogue) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

// MatrixEntry is one Permission Matrix Entry: category -> {min_level,
// approval_level?}.
type MatrixEntry struct {
	MinLevel      int
	ApprovalLevel int // 0 means "no approval tier"
}

// DefaultMatrix is the baseline category -> MatrixEntry mapping. Side-effect
// and destructive categories require higher autonomy; read-only categories
// are permitted at the lowest tier.
func DefaultMatrix() map[Category]MatrixEntry {
	return map[Category]MatrixEntry{
		CategoryObservation:         {MinLevel: 1},
		CategoryMemoryRead:          {MinLevel: 1},
		CategoryKnowledgeRead:       {MinLevel: 1},
		CategoryMemoryWrite:         {MinLevel: 3, ApprovalLevel: 1},
		CategoryKnowledgeIngest:     {MinLevel: 3, ApprovalLevel: 1},
		CategoryCommunicationReply:  {MinLevel: 3, ApprovalLevel: 1},
		CategorySelfManagement:      {MinLevel: 3, ApprovalLevel: 1},
		CategorySubagentManage:      {MinLevel: 3, ApprovalLevel: 1},
		CategoryCommunicationOutbnd: {MinLevel: 5, ApprovalLevel: 3},
		CategoryMemoryDelete:        {MinLevel: 5, ApprovalLevel: 3},
		CategorySelfImprovement:     {MinLevel: 5, ApprovalLevel: 3},
		CategorySelfModification:    {MinLevel: 5, ApprovalLevel: 3},
	}
}
