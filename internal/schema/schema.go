// Package schema describes which relations a bundle holds and the order in
// which they are traversed. Trees are immutable once loaded.
package schema

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lherron/graphport/internal/domain"
)

//go:embed default_tree.yaml
var defaultTree []byte

// Version is the tree format understood by this build.
const Version = 1

// Kind distinguishes relations with children from plain leaves.
type Kind string

const (
	KindLeaf   Kind = "leaf"
	KindNested Kind = "nested"
)

// Association describes where the foreign key linking a node to its parent lives.
type Association string

const (
	// HasMany: the child rows carry ForeignKey pointing at the parent.
	HasMany Association = "has_many"
	// HasOne: like HasMany with at most one child, encoded as an object.
	HasOne Association = "has_one"
	// BelongsTo: the parent row carries ForeignKey pointing at the child.
	BelongsTo Association = "belongs_to"
)

// Include filters the attributes of a relation. Only wins over Except.
type Include struct {
	Only   []string `yaml:"only"`
	Except []string `yaml:"except"`
}

// Allows reports whether the attribute passes the filter.
func (i Include) Allows(attr string) bool {
	if len(i.Only) > 0 {
		for _, a := range i.Only {
			if a == attr {
				return true
			}
		}
		return false
	}
	for _, a := range i.Except {
		if a == attr {
			return false
		}
	}
	return true
}

// Scope is a constant discriminator column, used for polymorphic relations
// such as notes (noteable_type) and label links (target_type).
type Scope struct {
	Column string `yaml:"column"`
	Value  string `yaml:"value"`
}

// Node is one relation in the tree.
type Node struct {
	Name        string      `yaml:"name"`
	Table       string      `yaml:"table"`
	Association Association `yaml:"association"`
	ForeignKey  string      `yaml:"foreign_key"`
	Scope       *Scope      `yaml:"scope"`
	OrderBy     string      `yaml:"order_by"`
	Split       bool        `yaml:"split"`
	Include     Include     `yaml:"include"`
	Children    []*Node     `yaml:"children"`

	Kind   Kind  `yaml:"-"`
	Parent *Node `yaml:"-"`
}

// Child returns the direct child named name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Path returns the slash-separated relation path from the root, excluding
// the root itself.
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil && cur.Parent != nil; cur = cur.Parent {
		parts = append([]string{cur.Name}, parts...)
	}
	return strings.Join(parts, "/")
}

// IsObject reports whether the relation is encoded as a single object
// rather than an array.
func (n *Node) IsObject() bool {
	return n.Association == BelongsTo || n.Association == HasOne
}

// Walk visits n and its descendants depth-first in declared order.
func (n *Node) Walk(fn func(*Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Provider supplies the relation tree.
type Provider interface {
	RelationTree() (*Node, error)
}

type document struct {
	Version int `yaml:"version"`
	Node    `yaml:",inline"`
}

// Load parses and validates a relation tree document.
func Load(r io.Reader) (*Node, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &domain.SchemaError{Path: "relation tree", Reason: "failed to parse", Err: err}
	}
	if doc.Version != Version {
		return nil, &domain.SchemaError{
			Path:   "relation tree",
			Reason: fmt.Sprintf("unsupported version %d (want %d)", doc.Version, Version),
		}
	}

	root := doc.Node
	if err := prepare(&root, nil); err != nil {
		return nil, err
	}
	return &root, nil
}

func prepare(n *Node, parent *Node) error {
	n.Parent = parent
	if n.Name == "" {
		return &domain.SchemaError{Path: pathOf(parent), Reason: "relation without name"}
	}
	if n.Table == "" {
		return &domain.SchemaError{Path: pathOf(n), Reason: "relation without table"}
	}
	if parent != nil {
		if n.ForeignKey == "" {
			return &domain.SchemaError{Path: pathOf(n), Reason: "relation without foreign_key"}
		}
		switch n.Association {
		case "":
			n.Association = HasMany
		case HasMany, HasOne, BelongsTo:
		default:
			return &domain.SchemaError{Path: pathOf(n), Reason: fmt.Sprintf("unknown association %q", n.Association)}
		}
		if n.Split && (n.IsObject() || parent.Parent == nil) {
			return &domain.SchemaError{Path: pathOf(n), Reason: "only nested has_many relations can be split"}
		}
	}

	n.Kind = KindLeaf
	if len(n.Children) > 0 {
		n.Kind = KindNested
	}

	seen := make(map[string]bool, len(n.Children))
	for _, c := range n.Children {
		if seen[c.Name] {
			return &domain.SchemaError{Path: pathOf(n), Reason: fmt.Sprintf("duplicate relation %q", c.Name)}
		}
		seen[c.Name] = true
		if err := prepare(c, n); err != nil {
			return err
		}
	}
	return nil
}

func pathOf(n *Node) string {
	if n == nil {
		return "relation tree"
	}
	if p := n.Path(); p != "" {
		return p
	}
	return n.Name
}

type embeddedProvider struct{}

// Default returns the provider backed by the built-in project tree.
func Default() Provider {
	return embeddedProvider{}
}

func (embeddedProvider) RelationTree() (*Node, error) {
	return Load(strings.NewReader(string(defaultTree)))
}

// Static wraps an already-loaded tree.
type Static struct {
	Root *Node
}

func (s Static) RelationTree() (*Node, error) {
	if s.Root == nil {
		return nil, &domain.SchemaError{Path: "relation tree", Reason: "empty"}
	}
	return s.Root, nil
}
