package translators

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
)

// DocumentTranslator renders fragments into filter/projection
// documents for the document engine. One collection per record; the
// record id is stored in the _id field.
type DocumentTranslator struct{}

func (t *DocumentTranslator) Class() models.StorageClass { return models.StorageDocument }

func (t *DocumentTranslator) Translate(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	switch {
	case frag.Scan != nil:
		return t.translateScan(an, frag)
	case frag.Mutation != nil:
		return t.translateMutation(an, frag)
	}
	return nil, fmt.Errorf("document engine cannot execute fragment %s", frag.ID)
}

func (t *DocumentTranslator) translateScan(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	scan := frag.Scan
	filter := bson.M{}
	if scan.Predicate != nil {
		rendered, err := renderBSON(an, scan.Predicate)
		if err != nil {
			return nil, err
		}
		filter = rendered
	}
	projection := bson.M{"_id": 1}
	for _, attr := range scan.Attributes {
		projection[attr] = 1
	}
	return &NativeQuery{
		Engine:     models.StorageDocument,
		Record:     scan.Record,
		Filter:     filter,
		Projection: projection,
		Shape:      append([]string{"id"}, scan.Attributes...),
		BindIDs:    frag.BindUpstreamIDs,
		Predicate:  scan.Predicate,
		Analysis:   an,
		SortAttr:   scan.SortAttr,
		SortDesc:   scan.SortDesc,
		Limit:      scan.Limit,
	}, nil
}

func (t *DocumentTranslator) translateMutation(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	mut := frag.Mutation
	q := &NativeQuery{
		Engine:    models.StorageDocument,
		Record:    mut.Record,
		BindIDs:   frag.BindUpstreamIDs,
		Predicate: mut.Predicate,
		Analysis:  an,
		Values:    mut.Values,
		Kind:      mutationKind(mut.Kind),
		Limit:     -1,
	}
	if mut.Predicate != nil {
		filter, err := renderBSON(an, mut.Predicate)
		if err != nil {
			return nil, err
		}
		q.Filter = filter
	} else {
		q.Filter = bson.M{}
	}
	return q, nil
}

var bsonOps = map[string]string{
	"=": "$eq", "!=": "$ne", "<": "$lt", "<=": "$lte", ">": "$gt", ">=": "$gte",
}

// renderBSON renders a predicate as a filter document.
func renderBSON(an *semantics.Analysis, expr parser.Expr) (bson.M, error) {
	switch e := expr.(type) {
	case *parser.BinaryExpr:
		switch e.Op {
		case "AND", "OR":
			left, err := renderBSON(an, e.Left)
			if err != nil {
				return nil, err
			}
			right, err := renderBSON(an, e.Right)
			if err != nil {
				return nil, err
			}
			op := "$and"
			if e.Op == "OR" {
				op = "$or"
			}
			return bson.M{op: bson.A{left, right}}, nil
		default:
			ref, refOK := e.Left.(*parser.AttributeRef)
			lit, litOK := e.Right.(*parser.Literal)
			if !refOK || !litOK {
				return nil, errNonPushable(models.StorageDocument, e)
			}
			field := an.Refs[ref].Attribute
			if e.Op == "CONTAINS" {
				return bson.M{field: bson.M{"$regex": fmt.Sprintf("%v", literalValue(an, lit))}}, nil
			}
			op, known := bsonOps[e.Op]
			if !known {
				return nil, errNonPushable(models.StorageDocument, e)
			}
			return bson.M{field: bson.M{op: literalValue(an, lit)}}, nil
		}
	case *parser.UnaryExpr:
		inner, err := renderBSON(an, e.Expr)
		if err != nil {
			return nil, err
		}
		return bson.M{"$nor": bson.A{inner}}, nil
	}
	return nil, errNonPushable(models.StorageDocument, expr)
}
