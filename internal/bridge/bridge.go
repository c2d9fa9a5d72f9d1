// Package bridge turns raw extractor output into a canonical, deduplicated
// graph batch. The transformation is pure: equal inputs produce byte-equal
// batches after canonical ordering, so replays stage identical work.
package bridge

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/crewbrain/crewbrain/internal/extract"
	"github.com/crewbrain/crewbrain/internal/graph"
)

// Bridge holds the resolution tables. Zero-value tables fall back to the
// built-in defaults.
type Bridge struct {
	EntityRules *RuleTable
	EdgeRules   *RuleTable
	Synonyms    Synonyms

	// OtherFractionWarn is the OTHER-share threshold for the data-quality
	// warning. Zero disables the warning.
	OtherFractionWarn float64
	Log               *logrus.Entry
}

func New(log *logrus.Entry) *Bridge {
	return &Bridge{
		EntityRules:       DefaultEntityRules(),
		EdgeRules:         DefaultEdgeRules(),
		Synonyms:          DefaultSynonyms(),
		OtherFractionWarn: 0.15,
		Log:               log,
	}
}

// Stats summarizes one bridge run.
type Stats struct {
	Entities       int
	Relationships  int
	OtherCount     int
	OtherFraction  float64
	SelfLoops      int
	SyntheticEdges int
	DroppedNames   int
}

// EntityID is the deterministic canonical id for (canonical type, name).
func EntityID(canonicalType, normalizedName string) string {
	sum := blake3.Sum256([]byte(canonicalType + "\x00" + normalizedName))
	return hex.EncodeToString(sum[:16])
}

type canonicalEntity struct {
	id         string
	ctype      string
	name       string
	aliases    map[string]bool
	attributes map[string]string
}

// Build bridges one document's extraction into a staged batch. docID is the
// retrieval document id carried on every node and edge as a document ref.
func (b *Bridge) Build(batchID, docID string, res *extract.Result) (*graph.Batch, *Stats) {
	stats := &Stats{}
	entityRules, edgeRules, syn := b.tables()

	// Raw entities in provenance order so per-key attribute merges are
	// last-writer-wins with a reproducible winner.
	raw := append([]extract.RawEntity(nil), res.Entities...)
	sort.SliceStable(raw, func(i, j int) bool {
		pi, pj := raw[i].Provenance, raw[j].Provenance
		if pi.DocID != pj.DocID {
			return pi.DocID < pj.DocID
		}
		if pi.Page != pj.Page {
			return pi.Page < pj.Page
		}
		if pi.Region != pj.Region {
			return pi.Region < pj.Region
		}
		return raw[i].Name < raw[j].Name
	})

	entities := map[string]*canonicalEntity{}
	byName := map[string]string{} // normalized name -> id, first-typed wins

	resolveName := func(rawName string) string {
		return syn.Apply(NormalizeName(rawName))
	}

	for _, e := range raw {
		name := resolveName(e.Name)
		if name == "" {
			stats.DroppedNames++
			continue
		}
		ctype := entityRules.Resolve(e.TypeHint)
		id := EntityID(ctype, name)
		ce, ok := entities[id]
		if !ok {
			ce = &canonicalEntity{
				id: id, ctype: ctype, name: name,
				aliases:    map[string]bool{},
				attributes: map[string]string{},
			}
			entities[id] = ce
		}
		if alias := NormalizeName(e.Name); alias != name {
			ce.aliases[alias] = true
		}
		for k, v := range e.Attributes {
			ce.attributes[k] = v
		}
		if e.Description != "" {
			ce.attributes["description"] = e.Description
		}
		if _, seen := byName[name]; !seen {
			byName[name] = id
		}
	}

	// ensureEndpoint resolves a relationship endpoint name to a canonical
	// id, minting an OTHER entity when the extractor never listed it.
	ensureEndpoint := func(rawName string) (string, bool) {
		name := resolveName(rawName)
		if name == "" {
			return "", false
		}
		if id, ok := byName[name]; ok {
			return id, true
		}
		id := EntityID(TypeOther, name)
		if _, ok := entities[id]; !ok {
			entities[id] = &canonicalEntity{
				id: id, ctype: TypeOther, name: name,
				aliases:    map[string]bool{},
				attributes: map[string]string{},
			}
		}
		byName[name] = id
		return id, true
	}

	type edgeKey struct{ src, typ, dst string }
	edges := map[edgeKey]bool{}
	incident := map[string]bool{}

	for _, r := range res.Relationships {
		src, ok := ensureEndpoint(r.Source)
		if !ok {
			stats.DroppedNames++
			continue
		}
		dst, ok := ensureEndpoint(r.Target)
		if !ok {
			stats.DroppedNames++
			continue
		}
		if src == dst {
			stats.SelfLoops++
			continue
		}
		typ := edgeRules.Resolve(r.TypeHint)
		edges[edgeKey{src, typ, dst}] = true
		incident[src], incident[dst] = true, true
	}

	// Every entity stays reachable from its document: entities with no
	// incident edge get a synthetic RELATED_TO edge to the document node.
	docName := NormalizeName(docID)
	docNodeID := EntityID(TypeDocument, docName)
	needDocNode := false
	for id, ce := range entities {
		if incident[id] || ce.ctype == TypeDocument {
			continue
		}
		edges[edgeKey{id, EdgeRelatedTo, docNodeID}] = true
		stats.SyntheticEdges++
		needDocNode = true
	}
	if needDocNode {
		if _, ok := entities[docNodeID]; !ok {
			entities[docNodeID] = &canonicalEntity{
				id: docNodeID, ctype: TypeDocument, name: docName,
				aliases:    map[string]bool{},
				attributes: map[string]string{"retrieval_doc_id": docID},
			}
		}
	}

	batch := &graph.Batch{ID: batchID}
	for _, ce := range entities {
		props := map[string]string{"name": ce.name}
		for k, v := range ce.attributes {
			props[k] = v
		}
		if len(ce.aliases) > 0 {
			aliases := make([]string, 0, len(ce.aliases))
			for a := range ce.aliases {
				aliases = append(aliases, a)
			}
			sort.Strings(aliases)
			props["aliases"] = joinAliases(aliases)
		}
		batch.Nodes = append(batch.Nodes, graph.MergeNode{
			Label: ce.ctype, ID: ce.id,
			Properties:   props,
			DocumentRefs: []string{docID},
		})
	}
	for k := range edges {
		batch.Edges = append(batch.Edges, graph.MergeEdge{
			SourceID: k.src, TargetID: k.dst, Type: k.typ,
			DocumentRefs: []string{docID},
		})
	}
	batch.Sort()

	stats.Entities = len(batch.Nodes)
	stats.Relationships = len(batch.Edges)
	for _, n := range batch.Nodes {
		if n.Label == TypeOther {
			stats.OtherCount++
		}
	}
	if stats.Entities > 0 {
		stats.OtherFraction = float64(stats.OtherCount) / float64(stats.Entities)
	}
	if b.OtherFractionWarn > 0 && stats.OtherFraction > b.OtherFractionWarn && b.Log != nil {
		b.Log.WithFields(logrus.Fields{
			"doc_id":         docID,
			"other_fraction": fmt.Sprintf("%.2f", stats.OtherFraction),
			"entities":       stats.Entities,
		}).Warn("high OTHER fraction, check type hints")
	}
	return batch, stats
}

func (b *Bridge) tables() (*RuleTable, *RuleTable, Synonyms) {
	er, gr, syn := b.EntityRules, b.EdgeRules, b.Synonyms
	if er == nil {
		er = DefaultEntityRules()
	}
	if gr == nil {
		gr = DefaultEdgeRules()
	}
	if syn == nil {
		syn = DefaultSynonyms()
	}
	return er, gr, syn
}

func joinAliases(aliases []string) string {
	out := ""
	for i, a := range aliases {
		if i > 0 {
			out += "|"
		}
		out += a
	}
	return out
}
