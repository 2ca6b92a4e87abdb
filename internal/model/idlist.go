package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// IDList is a JSON-encoded list of loan ids stored on an account row.
type IDList []int64

func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]int64(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *IDList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = IDList{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan id list: unsupported type %T", src)
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("scan id list: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	*l = ids
	return nil
}

func (l IDList) Contains(id int64) bool {
	return slices.Contains(l, id)
}

// With returns a copy of the list with id appended, unless already present.
func (l IDList) With(id int64) IDList {
	if l.Contains(id) {
		return slices.Clone(l)
	}
	return append(slices.Clone(l), id)
}

// Without returns a copy of the list with every occurrence of id removed.
func (l IDList) Without(id int64) IDList {
	out := make(IDList, 0, len(l))
	for _, v := range l {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
