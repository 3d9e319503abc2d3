package translators

import (
	"fmt"

	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
)

// MetricTranslator renders fragments into range queries for the
// time-series/metric engine. Samples are keyed by record id and
// attribute; the engine's only native filter is a value comparison.
type MetricTranslator struct{}

func (t *MetricTranslator) Class() models.StorageClass { return models.StorageMetric }

func (t *MetricTranslator) Translate(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	switch {
	case frag.Scan != nil:
		return t.translateScan(an, frag)
	case frag.Mutation != nil:
		mut := frag.Mutation
		return &NativeQuery{
			Engine:    models.StorageMetric,
			Record:    mut.Record,
			Metric:    &MetricQuery{Attributes: sortedKeys(mut.Values)},
			BindIDs:   frag.BindUpstreamIDs,
			Predicate: mut.Predicate,
			Analysis:  an,
			Values:    mut.Values,
			Kind:      mutationKind(mut.Kind),
			Limit:     -1,
		}, nil
	}
	return nil, fmt.Errorf("metric engine cannot execute fragment %s", frag.ID)
}

func (t *MetricTranslator) translateScan(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	scan := frag.Scan
	mq := &MetricQuery{Attributes: scan.Attributes}
	if scan.Predicate != nil {
		filter, err := renderMetricFilter(an, scan.Predicate)
		if err != nil {
			return nil, err
		}
		mq.ValueFilter = filter
	}
	return &NativeQuery{
		Engine:    models.StorageMetric,
		Record:    scan.Record,
		Metric:    mq,
		Shape:     []string{"id", "attribute", "timestamp", "value"},
		BindIDs:   frag.BindUpstreamIDs,
		Predicate: scan.Predicate,
		Analysis:  an,
		Limit:     scan.Limit,
	}, nil
}

func renderMetricFilter(an *semantics.Analysis, expr parser.Expr) (*MetricValueFilter, error) {
	b, ok := expr.(*parser.BinaryExpr)
	if !ok || b.Op == "AND" || b.Op == "OR" || b.Op == "CONTAINS" {
		return nil, errNonPushable(models.StorageMetric, expr)
	}
	ref, refOK := b.Left.(*parser.AttributeRef)
	lit, litOK := b.Right.(*parser.Literal)
	if !refOK || !litOK || lit.Kind != parser.LiteralNumber {
		return nil, errNonPushable(models.StorageMetric, expr)
	}
	return &MetricValueFilter{
		Attribute: an.Refs[ref].Attribute,
		Op:        b.Op,
		Value:     lit.Num,
	}, nil
}
