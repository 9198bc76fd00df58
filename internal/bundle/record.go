package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/iancoleman/orderedmap"

	"github.com/lherron/graphport/internal/domain"
	"github.com/lherron/graphport/internal/schema"
)

// RawRecord is one decoded record. Attributes keep their wire order; nested
// relations are split out by name.
type RawRecord struct {
	// TypeTag is the wire relation name the record was read under.
	TypeTag    string
	Attributes *orderedmap.OrderedMap

	// Nested holds has_many collections.
	Nested map[string][]*RawRecord
	// One holds belongs_to and has_one objects.
	One map[string]*RawRecord

	// Index is the record's position within its relation file.
	Index int
}

// NewRecord returns an empty record tagged with typeTag.
func NewRecord(typeTag string) *RawRecord {
	return &RawRecord{
		TypeTag:    typeTag,
		Attributes: orderedmap.New(),
		Nested:     make(map[string][]*RawRecord),
		One:        make(map[string]*RawRecord),
	}
}

// Get returns an attribute value.
func (r *RawRecord) Get(key string) (any, bool) {
	return r.Attributes.Get(key)
}

// Set sets an attribute, appending new keys at the end.
func (r *RawRecord) Set(key string, value any) {
	r.Attributes.Set(key, value)
}

// Delete removes an attribute.
func (r *RawRecord) Delete(key string) {
	r.Attributes.Delete(key)
}

// Int returns a numeric attribute.
func (r *RawRecord) Int(key string) (int64, bool) {
	v, ok := r.Attributes.Get(key)
	if !ok {
		return 0, false
	}
	return domain.ToInt64(v)
}

// String returns a string attribute, or "" when absent or not a string.
func (r *RawRecord) String(key string) string {
	v, _ := r.Attributes.Get(key)
	s, _ := v.(string)
	return s
}

// SourceID returns the record's id in source space, or 0.
func (r *RawRecord) SourceID() int64 {
	id, _ := r.Int("id")
	return id
}

// Map returns a copy of the attributes as a plain map.
func (r *RawRecord) Map() map[string]any {
	out := make(map[string]any, len(r.Attributes.Keys()))
	for _, k := range r.Attributes.Keys() {
		v, _ := r.Attributes.Get(k)
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy with its own attribute map. Nested records
// are shared.
func (r *RawRecord) Clone() *RawRecord {
	c := NewRecord(r.TypeTag)
	c.Index = r.Index
	for _, k := range r.Attributes.Keys() {
		v, _ := r.Attributes.Get(k)
		c.Attributes.Set(k, v)
	}
	for k, v := range r.Nested {
		c.Nested[k] = v
	}
	for k, v := range r.One {
		c.One[k] = v
	}
	return c
}

// DecodeRecord parses one JSON object for node. Keys naming a child
// relation of node are decoded recursively; everything else is an attribute.
func DecodeRecord(node *schema.Node, data []byte) (*RawRecord, error) {
	om := orderedmap.New()
	if err := json.Unmarshal(data, om); err != nil {
		return nil, &domain.SchemaError{Path: node.Path(), Reason: "record is not a JSON object", Err: err}
	}
	return fromOrderedMap(node, *om)
}

func fromOrderedMap(node *schema.Node, om orderedmap.OrderedMap) (*RawRecord, error) {
	rec := NewRecord(node.Name)
	for _, key := range om.Keys() {
		value, _ := om.Get(key)

		child := node.Child(key)
		if child == nil {
			rec.Attributes.Set(key, value)
			continue
		}
		if value == nil {
			continue
		}

		if child.IsObject() {
			obj, ok := value.(orderedmap.OrderedMap)
			if !ok {
				return nil, &domain.SchemaError{Path: child.Path(), Reason: "expected an object"}
			}
			sub, err := fromOrderedMap(child, obj)
			if err != nil {
				return nil, err
			}
			rec.One[key] = sub
			continue
		}

		items, ok := value.([]interface{})
		if !ok {
			return nil, &domain.SchemaError{Path: child.Path(), Reason: "expected an array"}
		}
		for i, item := range items {
			obj, ok := item.(orderedmap.OrderedMap)
			if !ok {
				return nil, &domain.SchemaError{Path: child.Path(), Reason: fmt.Sprintf("element %d is not an object", i)}
			}
			sub, err := fromOrderedMap(child, obj)
			if err != nil {
				return nil, err
			}
			sub.Index = i
			rec.Nested[key] = append(rec.Nested[key], sub)
		}
	}
	return rec, nil
}

// EncodeRecord renders a record as a single JSON line. Split relations of
// node are left out; the writer stores them separately.
func EncodeRecord(node *schema.Node, rec *RawRecord) ([]byte, error) {
	data, err := json.Marshal(toOrderedMap(node, rec))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", node.Name, err)
	}
	return data, nil
}

func toOrderedMap(node *schema.Node, rec *RawRecord) *orderedmap.OrderedMap {
	om := orderedmap.New()
	om.SetEscapeHTML(false)
	for _, k := range rec.Attributes.Keys() {
		v, _ := rec.Attributes.Get(k)
		om.Set(k, v)
	}
	for _, child := range node.Children {
		if child.Split {
			continue
		}
		if child.IsObject() {
			if sub, ok := rec.One[child.Name]; ok && sub != nil {
				om.Set(child.Name, toOrderedMap(child, sub))
			}
			continue
		}
		subs := rec.Nested[child.Name]
		items := make([]interface{}, 0, len(subs))
		for _, sub := range subs {
			items = append(items, toOrderedMap(child, sub))
		}
		om.Set(child.Name, items)
	}
	return om
}
