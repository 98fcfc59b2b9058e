package chain

import "github.com/redhat-et/delegated-secrets-demo/pkg/products"

// OpKind names a catalog operation carried through the chain.
type OpKind string

const (
	OpList   OpKind = "list"
	OpGet    OpKind = "get"
	OpSearch OpKind = "search"
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is the request payload forwarded hop to hop. The same shape is
// accepted by every tier; only the terminal hop executes it.
type Operation struct {
	Kind       OpKind            `json:"kind"`
	ProductID  string            `json:"product_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	ExactMatch bool              `json:"exact_match,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Product    *products.Product `json:"product,omitempty"`
}

// Mutates reports whether the operation writes to the catalog.
func (op Operation) Mutates() bool {
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Result is the outcome of a completed operation.
type Result struct {
	Products []products.Product `json:"products,omitempty"`
	Product  *products.Product  `json:"product,omitempty"`
	Deleted  bool               `json:"deleted,omitempty"`
}
