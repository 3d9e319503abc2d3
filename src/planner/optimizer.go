package planner

import (
	"sort"

	"tesseradb/src/models"
	"tesseradb/src/parser"
	"tesseradb/src/semantics"
)

// optimize applies the rewrite passes in their fixed order: predicate
// pushdown, projection pruning, join-order selection, cross-engine
// predicate detection.
func (pl *Planner) optimize(plan *Plan) {
	for _, sub := range plan.Statements {
		pl.optimize(sub)
	}
	if plan.Root == nil {
		pl.costDriver(plan)
		return
	}
	plan.Root = pl.pushdownPredicates(plan.Analysis, plan.Root)
	plan.Root = pl.pruneProjections(plan.Analysis, plan.Root)
	plan.Root = pl.orderJoins(plan.Root)
	plan.Root = pl.detectCrossEngine(plan.Analysis, plan.Root)
}

func (pl *Planner) costDriver(plan *Plan) {
	if plan.Driver == nil {
		return
	}
	if attr, ok := filteredAttribute(plan.Analysis, plan.Driver.Predicate, plan.Driver.Record); ok &&
		pl.registry.HasIndex(plan.Analysis.Bucket, plan.Driver.Record, attr) {
		plan.Driver.Indexed = true
		plan.Driver.Card = cardIndexed
	}
}

// ---------------------------------------- pass 1: predicate pushdown ----------------------------------------

// pushdownPredicates splits the MATCH predicate into AND-conjuncts and
// moves every single-engine conjunct onto the scan that owns its
// attributes. Conjuncts that span engines remain in the filter node
// for pass 4.
func (pl *Planner) pushdownPredicates(an *semantics.Analysis, node LogicalNode) LogicalNode {
	filter, ok := node.(*FilterNode)
	if !ok {
		// The filter sits directly above the scan tree; anything above
		// it only needs its input rewritten.
		switch n := node.(type) {
		case *ProjectNode:
			n.Input = pl.pushdownPredicates(an, n.Input)
		case *AggregateNode:
			n.Input = pl.pushdownPredicates(an, n.Input)
		case *SortNode:
			n.Input = pl.pushdownPredicates(an, n.Input)
		case *LimitNode:
			n.Input = pl.pushdownPredicates(an, n.Input)
		}
		return node
	}

	conjuncts := splitConjuncts(filter.Predicate)
	var residual []parser.Expr
	for _, conjunct := range conjuncts {
		target := pushTarget(an, filter.Input, conjunct)
		if target == nil {
			residual = append(residual, conjunct)
			continue
		}
		if pl.pushCheck != nil && !pl.pushCheck(an, target.Class, conjunct) {
			residual = append(residual, conjunct)
			continue
		}
		target.Predicate = andCombine(target.Predicate, conjunct)
		if attr, ok := filteredAttribute(an, conjunct, target.Record); ok &&
			pl.registry.HasIndex(an.Bucket, target.Record, attr) {
			target.Indexed = true
			target.Card = cardIndexed
		} else if target.Card > cardFiltered {
			target.Card = cardFiltered
		}
	}

	if len(residual) == 0 {
		return filter.Input
	}
	filter.Predicate = andChain(residual)
	return filter
}

// splitConjuncts flattens top-level ANDs. An OR is never split: either
// the whole disjunction is single-engine and pushes as one unit, or it
// is deferred.
func splitConjuncts(expr parser.Expr) []parser.Expr {
	if b, ok := expr.(*parser.BinaryExpr); ok && b.Op == "AND" {
		return append(splitConjuncts(b.Left), splitConjuncts(b.Right)...)
	}
	return []parser.Expr{expr}
}

func andChain(conjuncts []parser.Expr) parser.Expr {
	expr := conjuncts[0]
	for _, next := range conjuncts[1:] {
		expr = &parser.BinaryExpr{Op: "AND", Left: expr, Right: next}
	}
	return expr
}

func andCombine(existing, next parser.Expr) parser.Expr {
	if existing == nil {
		return next
	}
	return &parser.BinaryExpr{Op: "AND", Left: existing, Right: next}
}

// pushTarget finds the single scan a conjunct can be pushed to, or nil
// when the conjunct spans engines, spans records, or contains an
// aggregate (HAVING-style conditions never push).
func pushTarget(an *semantics.Analysis, node LogicalNode, conjunct parser.Expr) *ScanNode {
	if containsAggregate(conjunct) {
		return nil
	}
	class, single := singleEngine(an, conjunct)
	if !single {
		return nil
	}
	record, ok := singleRecord(an, conjunct)
	if !ok {
		return nil
	}
	return findScan(node, record, class)
}

func containsAggregate(expr parser.Expr) bool {
	var calls []*parser.AggregateCall
	collectAggregates(expr, &calls)
	return len(calls) > 0
}

func singleRecord(an *semantics.Analysis, expr parser.Expr) (string, bool) {
	records := make(map[string]bool)
	walkRefs(expr, func(ref *parser.AttributeRef) {
		records[an.Refs[ref].Record] = true
	})
	if len(records) != 1 {
		return "", false
	}
	for record := range records {
		return record, true
	}
	return "", false
}

func walkRefs(expr parser.Expr, visit func(*parser.AttributeRef)) {
	switch e := expr.(type) {
	case *parser.AttributeRef:
		visit(e)
	case *parser.AggregateCall:
		visit(e.Arg)
	case *parser.BinaryExpr:
		walkRefs(e.Left, visit)
		walkRefs(e.Right, visit)
	case *parser.UnaryExpr:
		walkRefs(e.Expr, visit)
	}
}

func findScan(node LogicalNode, record string, class models.StorageClass) *ScanNode {
	switch n := node.(type) {
	case *ScanNode:
		if n.Record == record && n.Class == class {
			return n
		}
	case *JoinNode:
		if scan := findScan(n.Left, record, class); scan != nil {
			return scan
		}
		return findScan(n.Right, record, class)
	case *NavigateNode:
		if scan := findScan(n.Source, record, class); scan != nil {
			return scan
		}
		return findScan(n.Target, record, class)
	}
	return nil
}

// filteredAttribute extracts the attribute compared in a simple
// ref-op-literal conjunct, for the index-scan decision.
func filteredAttribute(an *semantics.Analysis, conjunct parser.Expr, record string) (string, bool) {
	b, ok := conjunct.(*parser.BinaryExpr)
	if !ok || b.Op == "AND" || b.Op == "OR" {
		return "", false
	}
	ref, ok := b.Left.(*parser.AttributeRef)
	if !ok {
		return "", false
	}
	resolved := an.Refs[ref]
	if resolved.Record != record || resolved.WholeRecord() {
		return "", false
	}
	return resolved.Attribute, true
}

// ---------------------------------------- pass 2: projection pruning ----------------------------------------

// pruneProjections reduces every scan's attribute list to what later
// operators actually consume, and removes scans that contribute
// nothing. The scalar identity scan of each record always survives:
// it produces the record ids the assembler joins on.
func (pl *Planner) pruneProjections(an *semantics.Analysis, root LogicalNode) LogicalNode {
	needed := make(map[string]map[string]bool) // record -> attributes
	note := func(ref *parser.AttributeRef) {
		resolved := an.Refs[ref]
		if resolved.WholeRecord() {
			return
		}
		if needed[resolved.Record] == nil {
			needed[resolved.Record] = make(map[string]bool)
		}
		needed[resolved.Record][resolved.Attribute] = true
	}
	collectNeeded(root, note)

	var prune func(LogicalNode) LogicalNode
	prune = func(node LogicalNode) LogicalNode {
		switch n := node.(type) {
		case *ScanNode:
			var kept []string
			for _, attr := range n.Attributes {
				if needed[n.Record][attr] {
					kept = append(kept, attr)
				}
			}
			n.Attributes = kept
			return n
		case *JoinNode:
			n.Left = prune(n.Left)
			n.Right = prune(n.Right)
			if scan := prunableScan(n.Right); scan != nil {
				return n.Left
			}
			if scan := prunableScan(n.Left); scan != nil {
				return n.Right
			}
			return n
		case *NavigateNode:
			n.Source = prune(n.Source)
			n.Target = prune(n.Target)
			return n
		case *FilterNode:
			n.Input = prune(n.Input)
			return n
		case *ProjectNode:
			n.Input = prune(n.Input)
			return n
		case *AggregateNode:
			n.Input = prune(n.Input)
			return n
		case *SortNode:
			n.Input = prune(n.Input)
			return n
		case *LimitNode:
			n.Input = prune(n.Input)
			return n
		}
		return node
	}
	return prune(root)
}

// prunableScan reports a non-scalar scan with no surviving attributes
// and no predicate; it cannot affect the result.
func prunableScan(node LogicalNode) *ScanNode {
	scan, ok := node.(*ScanNode)
	if !ok {
		return nil
	}
	if scan.Class == models.StorageScalar {
		return nil
	}
	if len(scan.Attributes) == 0 && scan.Predicate == nil {
		return scan
	}
	return nil
}

func collectNeeded(node LogicalNode, note func(*parser.AttributeRef)) {
	switch n := node.(type) {
	case *ScanNode:
		if n.Predicate != nil {
			walkRefs(n.Predicate, note)
		}
	case *JoinNode:
		collectNeeded(n.Left, note)
		collectNeeded(n.Right, note)
	case *NavigateNode:
		collectNeeded(n.Source, note)
		collectNeeded(n.Target, note)
	case *FilterNode:
		walkRefs(n.Predicate, note)
		collectNeeded(n.Input, note)
	case *ProjectNode:
		for _, col := range n.Columns {
			if col.Ref != nil {
				note(col.Ref)
			}
			if col.Agg != nil {
				note(col.Agg.Arg)
			}
		}
		collectNeeded(n.Input, note)
	case *AggregateNode:
		for _, ref := range n.GroupBy {
			note(ref)
		}
		for _, call := range n.Aggregates {
			note(call.Arg)
		}
		if n.Having != nil {
			walkRefs(n.Having, note)
		}
		collectNeeded(n.Input, note)
	case *SortNode:
		note(n.Ref)
		collectNeeded(n.Input, note)
	case *LimitNode:
		collectNeeded(n.Input, note)
	}
}

// ---------------------------------------- pass 3: join-order selection ----------------------------------------

// orderJoins rebuilds every same-record join group as a left-deep
// chain with the cheapest estimated scan first, and refreshes
// navigation cardinalities bottom-up. Only monotonic ordering matters;
// estimates are heuristic.
func (pl *Planner) orderJoins(node LogicalNode) LogicalNode {
	switch n := node.(type) {
	case *JoinNode:
		scans := collectJoinScans(n)
		sort.SliceStable(scans, func(i, j int) bool {
			return scans[i].Cardinality() < scans[j].Cardinality()
		})
		var tree LogicalNode = scans[0]
		for _, right := range scans[1:] {
			tree = &JoinNode{
				Record: n.Record,
				Left:   tree,
				Right:  right,
				Card:   tree.Cardinality(),
			}
		}
		return tree
	case *NavigateNode:
		n.Source = pl.orderJoins(n.Source)
		n.Target = pl.orderJoins(n.Target)
		n.Card = n.Source.Cardinality() * navFanout
		return n
	case *FilterNode:
		n.Input = pl.orderJoins(n.Input)
		return n
	case *ProjectNode:
		n.Input = pl.orderJoins(n.Input)
		return n
	case *AggregateNode:
		n.Input = pl.orderJoins(n.Input)
		return n
	case *SortNode:
		n.Input = pl.orderJoins(n.Input)
		return n
	case *LimitNode:
		n.Input = pl.orderJoins(n.Input)
		return n
	}
	return node
}

func collectJoinScans(node LogicalNode) []*ScanNode {
	switch n := node.(type) {
	case *ScanNode:
		return []*ScanNode{n}
	case *JoinNode:
		return append(collectJoinScans(n.Left), collectJoinScans(n.Right)...)
	}
	return nil
}

// ---------------------------------------- pass 4: cross-engine detection ----------------------------------------

// detectCrossEngine flags the residual filter and any aggregation that
// spans engines as clientSide, deferring them to the assembler, and
// pushes sort/limit into the scan when a single scan satisfies the
// whole query.
func (pl *Planner) detectCrossEngine(an *semantics.Analysis, root LogicalNode) LogicalNode {
	var walk func(LogicalNode)
	walk = func(node LogicalNode) {
		switch n := node.(type) {
		case *FilterNode:
			n.ClientSide = true
			walk(n.Input)
		case *AggregateNode:
			n.ClientSide = len(n.Engines()) > 1
			walk(n.Input)
		case *JoinNode:
			walk(n.Left)
			walk(n.Right)
		case *NavigateNode:
			walk(n.Source)
			walk(n.Target)
		case *ProjectNode:
			walk(n.Input)
		case *SortNode:
			walk(n.Input)
		case *LimitNode:
			walk(n.Input)
		}
	}
	walk(root)

	pushOutputShaping(an, root)
	return root
}

// pushOutputShaping lets a single-scan query carry ORDER BY/LIMIT in
// its native query. With joins, client-side filters or aggregation in
// the tree, the assembler keeps that work.
func pushOutputShaping(an *semantics.Analysis, root LogicalNode) {
	limit, ok := root.(*LimitNode)
	inner := root
	if ok {
		inner = limit.Input
	}
	project, isProject := inner.(*ProjectNode)
	if !isProject {
		return
	}
	inner = project.Input
	var sortNode *SortNode
	if s, isSort := inner.(*SortNode); isSort {
		sortNode = s
		inner = s.Input
	}
	scan, isScan := inner.(*ScanNode)
	if !isScan {
		return
	}
	if sortNode != nil {
		resolved := an.Refs[sortNode.Ref]
		if resolved.Record != scan.Record || resolved.Class != scan.Class {
			return
		}
		scan.SortAttr = resolved.Attribute
		scan.SortDesc = sortNode.Descending
		sortNode.PushedDown = true
	}
	if limit != nil && (sortNode == nil || sortNode.PushedDown) && limit.Offset == 0 {
		scan.Limit = limit.Limit
	}
}
