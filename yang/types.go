// Package yang defines the input shapes the schema parser collaborator
// hands the catalog builder: a module's name/revision/features and its
// data and operation dependencies on other modules. Parsing the actual
// YANG source is outside the substrate's scope; sysds only catalogs the
// result (§4.7).
package yang

// DataDepKind distinguishes a leafref/must/when reference dependency from
// an instance-identifier dependency.
type DataDepKind int

const (
	DataDepRef DataDepKind = iota
	DataDepInstanceID
)

// DataDep is one data dependency of a module on another module's subtree.
type DataDep struct {
	Kind         DataDepKind
	TargetModule string
	XPath        string
}

// OpDep is one RPC or action's data dependencies, split by input/output.
type OpDep struct {
	XPath  string
	Input  []DataDep
	Output []DataDep
}

// ModuleMeta is everything the catalog builder needs to install a module:
// the parsed result of its YANG source plus any sibling submodules' data,
// already flattened by the collaborator.
type ModuleMeta struct {
	Name     string
	Revision string
	Features []string

	// ReplaySupport mirrors the module's notification replay capability.
	ReplaySupport bool

	DataDeps []DataDep
	OpDeps   []OpDep

	// RPCs lists the operation paths this module defines, independent of
	// whether anyone has subscribed to them yet.
	RPCs []string
}
