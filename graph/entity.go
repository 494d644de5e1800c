package graph

// Entity type values the extraction prompt asks the LLM to use.
const (
	EntityRegulation = "regulation"
	EntityArticle    = "article"
	EntityOrg        = "organization"
	EntityObligation = "obligation"
	EntityReport     = "report"
	EntityConcept    = "concept"
	EntityDeadline   = "deadline"
)

// Relation type values the extraction prompt asks the LLM to use.
const (
	RelReferences = "references"
	RelDefines    = "defines"
	RelAmends     = "amends"
	RelRequires   = "requires"
	RelAppliesTo  = "applies_to"
	RelSupersedes = "supersedes"
	RelReportsTo  = "reports_to"
)

// EntityTypes and RelationTypes are the vocabularies in prompt order.
var (
	EntityTypes = []string{
		EntityRegulation, EntityArticle, EntityOrg, EntityObligation,
		EntityReport, EntityConcept, EntityDeadline,
	}
	RelationTypes = []string{
		RelReferences, RelDefines, RelAmends, RelRequires,
		RelAppliesTo, RelSupersedes, RelReportsTo,
	}
)

// Extraction is the entity/relationship document returned by the LLM.
// Entities carry their identifier under "id" (or "name"); relationships
// name their endpoints under "source"/"target" (or "from"/"to"). Every
// other key is kept as an attribute.
type Extraction struct {
	Entities      []map[string]any `json:"entities"`
	Relationships []map[string]any `json:"relationships"`
}

// Flat is the node/edge shape consumed by the front-end graph widget.
// Nodes are {id, ...attributes}; edges are {from, to, ...attributes}.
type Flat struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
}

var (
	entityIDKeys = []string{"id", "name"}
	sourceKeys   = []string{"source", "from"}
	targetKeys   = []string{"target", "to"}
	endpointKeys = [][2]string{{"source", "target"}, {"from", "to"}}
)
