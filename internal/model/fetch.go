package model

// FetchKind selects the remote endpoint a fetch targets
type FetchKind string

const (
	FetchList       FetchKind = "list"
	FetchTagMembers FetchKind = "tag_members"
	FetchHydrate    FetchKind = "hydrate"
	FetchApplyTag   FetchKind = "apply_tag"
	FetchRemoveTag  FetchKind = "remove_tag"
	FetchUpdate     FetchKind = "update_fields"
	FetchCreateTag  FetchKind = "create_tag"
)

// ServerParam is a filter condition translated to a list endpoint parameter
type ServerParam struct {
	Param    string
	Operator Operator
	Value    interface{}
}

// FetchRequest is one logical remote fetch: a page, a membership page, a
// hydration batch or a mutation
type FetchRequest struct {
	Kind   FetchKind
	Entity string
	Params []ServerParam
	Fields []string
	Offset int
	Limit  int
	TagID  int64
	IDs    []int64
	Values map[string]interface{}
}
