package schema

import (
	"sync"

	"github.com/pkg/errors"
)

// StatusOK is the only success status; every other status selects an error body.
const StatusOK int32 = 200

// ErrNotFound is returned by a Resolver for an unknown microservice, schema or operation.
var ErrNotFound = errors.New("operation schema not found")

// Operation is the metadata of one remotely callable operation.
type Operation struct {
	Microservice string
	SchemaID     string
	Name         string

	// Request lists the arguments in order. Nil means the operation takes none.
	Request *Descriptor
	// Responses maps a status code to the body shape sent with it. A nil success
	// entry means a void operation.
	Responses map[int32]*Descriptor
	// Executor names the business pool the provider runs this operation on.
	// Empty selects the provider's default pool.
	Executor string
}

// QualifiedName is "microservice.schemaId.operation".
func (o *Operation) QualifiedName() string {
	return o.Microservice + "." + o.SchemaID + "." + o.Name
}

// ResponseSchema selects the body shape for a status code.
func (o *Operation) ResponseSchema(status int32) *Descriptor {
	if d, ok := o.Responses[status]; ok {
		return d
	}
	if status == StatusOK {
		return nil
	}
	return ErrorSchema
}

// Resolver is the schema lookup contract used by both sides of a call.
// Implementations must be safe for concurrent use.
type Resolver interface {
	ResolveOperation(microservice, schemaID, operation string) (*Operation, error)
}

type operationKey struct {
	microservice, schemaID, operation string
}

// Catalog is an in-memory Resolver.
type Catalog struct {
	mu         sync.RWMutex
	operations map[operationKey]*Operation
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{operations: make(map[operationKey]*Operation)}
}

// Add registers op, replacing nothing: a second registration of the same identity fails.
func (c *Catalog) Add(op *Operation) error {
	if op.Microservice == "" || op.SchemaID == "" || op.Name == "" {
		return errors.Errorf("incomplete operation identity %q", op.QualifiedName())
	}
	key := operationKey{op.Microservice, op.SchemaID, op.Name}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.operations[key]; exists {
		return errors.Errorf("operation %s already registered", op.QualifiedName())
	}
	c.operations[key] = op
	return nil
}

// ResolveOperation implements Resolver. Unknown operations wrap ErrNotFound.
func (c *Catalog) ResolveOperation(microservice, schemaID, operation string) (*Operation, error) {
	c.mu.RLock()
	op, ok := c.operations[operationKey{microservice, schemaID, operation}]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s.%s.%s", microservice, schemaID, operation)
	}
	return op, nil
}

// Operations returns every registered operation of a microservice.
func (c *Catalog) Operations(microservice string) []*Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Operation
	for key, op := range c.operations {
		if key.microservice == microservice {
			out = append(out, op)
		}
	}
	return out
}
