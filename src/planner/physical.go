package planner

import (
	"fmt"

	"tesseradb/src/models"
)

// Algorithm is the concrete operator chosen for a physical node.
type Algorithm int

const (
	AlgoFullScan Algorithm = iota
	AlgoIndexScan
	AlgoHashJoin
	AlgoNestedLoopJoin
	AlgoTraversal
	AlgoClientFilter
	AlgoStreamingAggregate
	AlgoMaterializingAggregate
	AlgoProject
	AlgoInMemorySort
	AlgoTruncate
	AlgoMutation
)

func (a Algorithm) String() string {
	switch a {
	case AlgoFullScan:
		return "full-scan"
	case AlgoIndexScan:
		return "index-scan"
	case AlgoHashJoin:
		return "hash-join"
	case AlgoNestedLoopJoin:
		return "nested-loop-join"
	case AlgoTraversal:
		return "traversal"
	case AlgoClientFilter:
		return "client-filter"
	case AlgoStreamingAggregate:
		return "streaming-aggregate"
	case AlgoMaterializingAggregate:
		return "materializing-aggregate"
	case AlgoProject:
		return "project"
	case AlgoInMemorySort:
		return "in-memory-sort"
	case AlgoTruncate:
		return "truncate"
	case AlgoMutation:
		return "mutation"
	}
	return "unknown"
}

// hashJoinThreshold: below this estimated row count a nested loop is
// cheaper than building a hash table.
const hashJoinThreshold = 100

// PhysicalNode is a 1:1 refinement of a logical node with a concrete
// algorithm and execution markers.
type PhysicalNode struct {
	Logical   LogicalNode
	Algorithm Algorithm

	// Parallel marks a node with no data dependency on a sibling's
	// output; the coordinator may run it concurrently.
	Parallel bool

	// Materialize marks the final node of a branch whose output must
	// be fully collected before downstream consumption.
	Materialize bool

	Children []*PhysicalNode
}

// Fragment is the unit of work the coordinator dispatches to one
// backend engine. Fragments with an empty DependsOn list are
// independent; the others wait for their upstream key sets.
type Fragment struct {
	ID    string
	Class models.StorageClass

	Scan     *ScanNode
	Navigate *NavigateNode
	Mutation *MutationNode

	DependsOn []string

	// BindUpstreamIDs: the fragment's native query is parameterized by
	// the record ids produced by its dependencies.
	BindUpstreamIDs bool
}

// PhysicalPlan is the executable refinement of a logical plan: the
// operator tree for the assembler plus the ordered fragment list for
// the coordinator.
type PhysicalPlan struct {
	Logical   *Plan
	Root      *PhysicalNode
	Fragments []*Fragment

	Driver    *Fragment
	Mutations []*Fragment

	Statements []*PhysicalPlan
}

// IsWrite reports whether the plan mutates backend state.
func (p *PhysicalPlan) IsWrite() bool {
	return len(p.Mutations) > 0 || len(p.Statements) > 0
}

// Refine maps the logical plan to physical operators and builds the
// dependency-ordered fragment list.
func (pl *Planner) Refine(plan *Plan) (*PhysicalPlan, error) {
	phys := &PhysicalPlan{Logical: plan}

	for _, sub := range plan.Statements {
		inner, err := pl.Refine(sub)
		if err != nil {
			return nil, err
		}
		phys.Statements = append(phys.Statements, inner)
	}

	if plan.Root != nil {
		frag := &fragmenter{}
		phys.Root = frag.refineNode(plan.Root, true)
		phys.Fragments = frag.fragments
	}

	if plan.Driver != nil {
		driver := &Fragment{
			ID:    "driver",
			Class: plan.Driver.Class,
			Scan:  plan.Driver,
		}
		phys.Driver = driver
	}
	for i, mut := range plan.Mutations {
		frag := &Fragment{
			ID:       fmt.Sprintf("mutation-%d-%s", i, mut.Class),
			Class:    mut.Class,
			Mutation: mut,
		}
		if phys.Driver != nil {
			frag.DependsOn = []string{phys.Driver.ID}
			frag.BindUpstreamIDs = true
		}
		phys.Mutations = append(phys.Mutations, frag)
	}
	return phys, nil
}

type fragmenter struct {
	fragments []*Fragment
	counter   int

	// branchFragments tracks the fragment ids of the record branch
	// being built; a navigation hop consumes them as dependencies.
	branchFragments []string

	// pending holds dependency ids the next scans must wait for (the
	// navigate fragment feeding a target record's scans).
	pending []string
}

func (f *fragmenter) pendingDeps() []string {
	if len(f.pending) == 0 {
		return nil
	}
	return append([]string(nil), f.pending...)
}

func (f *fragmenter) takeBranch() []string {
	branch := f.branchFragments
	f.branchFragments = nil
	return branch
}

func (f *fragmenter) nextID(kind string, class models.StorageClass) string {
	f.counter++
	return fmt.Sprintf("%s-%d-%s", kind, f.counter, class)
}

// refineNode walks the logical tree bottom-up. isFinal marks the
// materialization point of each branch.
func (f *fragmenter) refineNode(node LogicalNode, isFinal bool) *PhysicalNode {
	switch n := node.(type) {
	case *ScanNode:
		algo := AlgoFullScan
		if n.Indexed {
			algo = AlgoIndexScan
		}
		frag := &Fragment{
			ID:    f.nextID("scan", n.Class),
			Class: n.Class,
			Scan:  n,
		}
		if deps := f.pendingDeps(); deps != nil {
			frag.DependsOn = deps
			frag.BindUpstreamIDs = true
		}
		f.fragments = append(f.fragments, frag)
		f.branchFragments = append(f.branchFragments, frag.ID)
		return &PhysicalNode{
			Logical:     n,
			Algorithm:   algo,
			Parallel:    len(frag.DependsOn) == 0,
			Materialize: isFinal,
		}

	case *JoinNode:
		left := f.refineNode(n.Left, false)
		right := f.refineNode(n.Right, false)
		algo := AlgoNestedLoopJoin
		if n.Cardinality() >= hashJoinThreshold {
			algo = AlgoHashJoin
		}
		return &PhysicalNode{
			Logical:     n,
			Algorithm:   algo,
			Materialize: isFinal,
			Children:    []*PhysicalNode{left, right},
		}

	case *NavigateNode:
		source := f.refineNode(n.Source, false)
		// The traversal depends on every fragment of the source branch.
		sourceFrags := f.takeBranch()
		frag := &Fragment{
			ID:              f.nextID("navigate", models.StorageRelation),
			Class:           models.StorageRelation,
			Navigate:        n,
			DependsOn:       sourceFrags,
			BindUpstreamIDs: true,
		}
		f.fragments = append(f.fragments, frag)
		f.pending = []string{frag.ID}
		target := f.refineNode(n.Target, false)
		f.pending = nil
		return &PhysicalNode{
			Logical:     n,
			Algorithm:   AlgoTraversal,
			Materialize: isFinal,
			Children:    []*PhysicalNode{source, target},
		}

	case *FilterNode:
		child := f.refineNode(n.Input, false)
		return &PhysicalNode{
			Logical:     n,
			Algorithm:   AlgoClientFilter,
			Materialize: isFinal,
			Children:    []*PhysicalNode{child},
		}

	case *AggregateNode:
		child := f.refineNode(n.Input, false)
		// Streaming aggregation needs input already grouped; merged
		// cross-engine rows arrive unordered, so materialize.
		algo := AlgoMaterializingAggregate
		if !n.ClientSide && len(n.GroupBy) == 0 {
			algo = AlgoStreamingAggregate
		}
		return &PhysicalNode{
			Logical:     n,
			Algorithm:   algo,
			Materialize: isFinal,
			Children:    []*PhysicalNode{child},
		}

	case *ProjectNode:
		child := f.refineNode(n.Input, isFinal)
		return &PhysicalNode{
			Logical:   n,
			Algorithm: AlgoProject,
			Children:  []*PhysicalNode{child},
		}

	case *SortNode:
		child := f.refineNode(n.Input, isFinal)
		return &PhysicalNode{
			Logical:   n,
			Algorithm: AlgoInMemorySort,
			Children:  []*PhysicalNode{child},
		}

	case *LimitNode:
		child := f.refineNode(n.Input, isFinal)
		return &PhysicalNode{
			Logical:   n,
			Algorithm: AlgoTruncate,
			Children:  []*PhysicalNode{child},
		}

	case *MutationNode:
		return &PhysicalNode{Logical: n, Algorithm: AlgoMutation}
	}
	return nil
}
