package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	dgraph "github.com/dominikbraun/graph"
)

// Node is a vertex of the entity graph.
type Node struct {
	ID         string
	Attributes map[string]any
}

func nodeHash(n Node) string { return n.ID }

// Graph is a directed entity graph. Storage is delegated to
// dominikbraun/graph; this type only adapts the LLM JSON shape to it.
type Graph struct {
	g dgraph.Graph[string, Node]
}

// New returns an empty directed graph.
func New() *Graph {
	return &Graph{g: dgraph.New(nodeHash, dgraph.Directed())}
}

// Build creates a graph from an extraction. Relationship endpoints that were
// not declared as entities are added as attribute-less nodes. Entities and
// relationships without an identifier are skipped.
func Build(ex Extraction) (*Graph, error) {
	g := New()
	for _, e := range ex.Entities {
		id, key := stringField(e, entityIDKeys...)
		if id == "" {
			continue
		}
		if err := g.AddNode(id, without(e, key)); err != nil {
			return nil, err
		}
	}
	for _, r := range ex.Relationships {
		src, tgt, used := endpoints(r)
		if src == "" || tgt == "" {
			continue
		}
		if err := g.AddEdge(src, tgt, without(r, used...)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Parse decodes the LLM's entity/relationship JSON and builds the graph.
func Parse(data []byte) (*Graph, error) {
	var ex Extraction
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("decoding entity graph: %w", err)
	}
	return Build(ex)
}

// ParseFlat rebuilds a graph from its flat node/edge serialization.
func ParseFlat(data []byte) (*Graph, error) {
	var f Flat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding flat graph: %w", err)
	}
	return Build(Extraction{Entities: f.Nodes, Relationships: f.Edges})
}

// AddNode adds a node or merges attrs into an existing one (later keys win).
func (g *Graph) AddNode(id string, attrs map[string]any) error {
	existing, err := g.g.Vertex(id)
	if err == nil {
		for k, v := range attrs {
			existing.Attributes[k] = v
		}
		return nil
	}
	if !errors.Is(err, dgraph.ErrVertexNotFound) {
		return fmt.Errorf("looking up node %q: %w", id, err)
	}
	n := Node{ID: id, Attributes: make(map[string]any, len(attrs))}
	for k, v := range attrs {
		n.Attributes[k] = v
	}
	if err := g.g.AddVertex(n); err != nil {
		return fmt.Errorf("adding node %q: %w", id, err)
	}
	return nil
}

// AddEdge adds a directed edge, creating missing endpoints. A repeated edge
// between the same ordered pair merges attrs into the existing one.
func (g *Graph) AddEdge(from, to string, attrs map[string]any) error {
	for _, id := range []string{from, to} {
		if err := g.AddNode(id, nil); err != nil {
			return err
		}
	}

	data := make(map[string]any, len(attrs))
	for k, v := range attrs {
		data[k] = v
	}

	err := g.g.AddEdge(from, to, dgraph.EdgeData(data))
	if errors.Is(err, dgraph.ErrEdgeAlreadyExists) {
		e, err := g.g.Edge(from, to)
		if err != nil {
			return fmt.Errorf("looking up edge %s->%s: %w", from, to, err)
		}
		existing, _ := e.Properties.Data.(map[string]any)
		if existing == nil {
			existing = make(map[string]any, len(data))
		}
		for k, v := range data {
			existing[k] = v
		}
		return g.g.UpdateEdge(from, to, dgraph.EdgeData(existing))
	}
	if err != nil {
		return fmt.Errorf("adding edge %s->%s: %w", from, to, err)
	}
	return nil
}

// Order returns the number of nodes.
func (g *Graph) Order() int {
	n, _ := g.g.Order()
	return n
}

// Size returns the number of edges.
func (g *Graph) Size() int {
	n, _ := g.g.Size()
	return n
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, err := g.g.Vertex(id)
	if err != nil {
		return Node{}, false
	}
	return n, true
}

// Flatten serializes the graph to the front-end shape. Nodes are sorted by
// id and edges by (from, to).
func (g *Graph) Flatten() (Flat, error) {
	adj, err := g.g.AdjacencyMap()
	if err != nil {
		return Flat{}, fmt.Errorf("reading adjacency map: %w", err)
	}

	ids := make([]string, 0, len(adj))
	for id := range adj {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	flat := Flat{
		Nodes: make([]map[string]any, 0, len(ids)),
		Edges: make([]map[string]any, 0),
	}
	for _, id := range ids {
		n, err := g.g.Vertex(id)
		if err != nil {
			return Flat{}, err
		}
		m := make(map[string]any, len(n.Attributes)+1)
		for k, v := range n.Attributes {
			m[k] = v
		}
		m["id"] = id
		flat.Nodes = append(flat.Nodes, m)
	}

	edges, err := g.g.Edges()
	if err != nil {
		return Flat{}, fmt.Errorf("listing edges: %w", err)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	for _, e := range edges {
		data, _ := e.Properties.Data.(map[string]any)
		m := make(map[string]any, len(data)+2)
		for k, v := range data {
			m[k] = v
		}
		m["from"] = e.Source
		m["to"] = e.Target
		flat.Edges = append(flat.Edges, m)
	}
	return flat, nil
}

// MarshalJSON encodes the flat form.
func (g *Graph) MarshalJSON() ([]byte, error) {
	flat, err := g.Flatten()
	if err != nil {
		return nil, err
	}
	return json.Marshal(flat)
}

// stringField returns the first non-empty identifier among keys and the key
// it was found under. Numeric identifiers are formatted as strings.
func stringField(m map[string]any, keys ...string) (string, string) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s, k
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), k
		case json.Number:
			return v.String(), k
		}
	}
	return "", ""
}

// endpoints picks a relationship's endpoints as a pair, so a from/to edge
// may still carry a "source" attribute such as the citing article. Mixed
// keys are accepted only when no complete pair is present. The keys used
// are returned; the other aliases stay attributes.
func endpoints(r map[string]any) (src, tgt string, used []string) {
	for _, pair := range endpointKeys {
		s, _ := stringField(r, pair[0])
		t, _ := stringField(r, pair[1])
		if s != "" && t != "" {
			return s, t, pair[:]
		}
	}
	src, srcKey := stringField(r, sourceKeys...)
	tgt, tgtKey := stringField(r, targetKeys...)
	return src, tgt, []string{srcKey, tgtKey}
}

func without(m map[string]any, drop ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		skip := false
		for _, d := range drop {
			if k == d {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return out
}
