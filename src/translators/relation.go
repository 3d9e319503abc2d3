package translators

import (
	"fmt"

	"tesseradb/src/models"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
)

// RelationTranslator renders navigation fragments into traversal
// queries for the graph/relation engine. Relation writes store edge
// lists keyed by source record id.
type RelationTranslator struct{}

func (t *RelationTranslator) Class() models.StorageClass { return models.StorageRelation }

func (t *RelationTranslator) Translate(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	switch {
	case frag.Navigate != nil:
		step := frag.Navigate.Step
		return &NativeQuery{
			Engine: models.StorageRelation,
			Record: step.From,
			Traversal: &TraversalQuery{
				From:      step.From,
				Attribute: step.Attribute,
				Target:    step.Target,
			},
			Shape:    []string{"source_id", "target_id"},
			BindIDs:  frag.BindUpstreamIDs,
			Analysis: an,
			Limit:    -1,
		}, nil

	case frag.Mutation != nil:
		mut := frag.Mutation
		return &NativeQuery{
			Engine:    models.StorageRelation,
			Record:    mut.Record,
			BindIDs:   frag.BindUpstreamIDs,
			Predicate: mut.Predicate,
			Analysis:  an,
			Values:    mut.Values,
			Kind:      mutationKind(mut.Kind),
			Limit:     -1,
		}, nil
	}
	return nil, fmt.Errorf("relation engine cannot execute fragment %s", frag.ID)
}
