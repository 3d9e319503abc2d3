package translators

import (
	"fmt"
	"sort"
	"strings"

	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/planner"
	"tesseradb/src/semantics"
)

// ScalarTranslator renders fragments into parameterized SQL for the
// scalar/relational engine. Record ids live in the id column.
type ScalarTranslator struct{}

func (t *ScalarTranslator) Class() models.StorageClass { return models.StorageScalar }

func (t *ScalarTranslator) Translate(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	switch {
	case frag.Scan != nil:
		return t.translateScan(an, frag)
	case frag.Mutation != nil:
		return t.translateMutation(an, frag)
	}
	return nil, fmt.Errorf("scalar engine cannot execute fragment %s", frag.ID)
}

func (t *ScalarTranslator) translateScan(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	scan := frag.Scan
	columns := append([]string{"id"}, scan.Attributes...)

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(scan.Record)

	q := &NativeQuery{
		Engine:    models.StorageScalar,
		Record:    scan.Record,
		Shape:     columns,
		BindIDs:   frag.BindUpstreamIDs,
		Predicate: scan.Predicate,
		Analysis:  an,
		SortAttr:  scan.SortAttr,
		SortDesc:  scan.SortDesc,
		Limit:     scan.Limit,
	}

	var conditions []string
	if frag.BindUpstreamIDs {
		conditions = append(conditions, "id IN (?)")
	}
	if scan.Predicate != nil {
		cond, err := renderSQL(an, scan.Predicate, &q.Params)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}
	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}
	if scan.SortAttr != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(scan.SortAttr)
		if scan.SortDesc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}
	if scan.Limit >= 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", scan.Limit))
	}
	q.SQL = sb.String()
	return q, nil
}

func (t *ScalarTranslator) translateMutation(an *semantics.Analysis, frag *planner.Fragment) (*NativeQuery, error) {
	mut := frag.Mutation
	q := &NativeQuery{
		Engine:    models.StorageScalar,
		Record:    mut.Record,
		BindIDs:   frag.BindUpstreamIDs,
		Predicate: mut.Predicate,
		Analysis:  an,
		Values:    mut.Values,
		Kind:      mutationKind(mut.Kind),
		Limit:     -1,
	}

	attrs := sortedKeys(mut.Values)
	switch mut.Kind {
	case planner.MutationInsert:
		// An identity-only insert carries no attributes beyond the id.
		columns := append([]string{"id"}, attrs...)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		q.SQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			mut.Record, strings.Join(columns, ", "), placeholders)
		for _, attr := range attrs {
			q.Params = append(q.Params, mut.Values[attr])
		}

	case planner.MutationUpdate:
		var sets []string
		for _, attr := range attrs {
			sets = append(sets, attr+" = ?")
			q.Params = append(q.Params, mut.Values[attr])
		}
		q.SQL = fmt.Sprintf("UPDATE %s SET %s", mut.Record, strings.Join(sets, ", "))
		if err := t.appendMatch(an, mut, frag, q); err != nil {
			return nil, err
		}

	case planner.MutationDelete:
		q.SQL = fmt.Sprintf("DELETE FROM %s", mut.Record)
		if err := t.appendMatch(an, mut, frag, q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (t *ScalarTranslator) appendMatch(an *semantics.Analysis, mut *planner.MutationNode,
	frag *planner.Fragment, q *NativeQuery) error {

	var conditions []string
	if frag.BindUpstreamIDs {
		conditions = append(conditions, "id IN (?)")
	}
	if mut.Predicate != nil {
		cond, err := renderSQL(an, mut.Predicate, &q.Params)
		if err != nil {
			return err
		}
		conditions = append(conditions, cond)
	}
	if len(conditions) > 0 {
		q.SQL += " WHERE " + strings.Join(conditions, " AND ")
	}
	return nil
}

// renderSQL renders a predicate as SQL text, appending bind values.
func renderSQL(an *semantics.Analysis, expr parser.Expr, params *[]interface{}) (string, error) {
	switch e := expr.(type) {
	case *parser.BinaryExpr:
		switch e.Op {
		case "AND", "OR":
			left, err := renderSQL(an, e.Left, params)
			if err != nil {
				return "", err
			}
			right, err := renderSQL(an, e.Right, params)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("(%s %s %s)", left, e.Op, right), nil
		case "CONTAINS":
			left, err := renderSQL(an, e.Left, params)
			if err != nil {
				return "", err
			}
			right, err := renderSQL(an, e.Right, params)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s LIKE CONCAT('%%', %s, '%%')", left, right), nil
		default:
			left, err := renderSQL(an, e.Left, params)
			if err != nil {
				return "", err
			}
			right, err := renderSQL(an, e.Right, params)
			if err != nil {
				return "", err
			}
			op := e.Op
			if op == "!=" {
				op = "<>"
			}
			return fmt.Sprintf("%s %s %s", left, op, right), nil
		}
	case *parser.UnaryExpr:
		inner, err := renderSQL(an, e.Expr, params)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT (%s)", inner), nil
	case *parser.AttributeRef:
		resolved := an.Refs[e]
		if resolved.WholeRecord() {
			return "", errNonPushable(models.StorageScalar, e)
		}
		return resolved.Attribute, nil
	case *parser.Literal:
		*params = append(*params, literalValue(an, e))
		return "?", nil
	}
	return "", errNonPushable(models.StorageScalar, expr)
}

func mutationKind(kind planner.MutationKind) MutationKind {
	switch kind {
	case planner.MutationInsert:
		return MutationInsert
	case planner.MutationUpdate:
		return MutationUpdate
	case planner.MutationDelete:
		return MutationDelete
	}
	return MutationNone
}

func sortedKeys(values map[string]interface{}) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
