// Package workflow composes processing stages into nested, typed, acyclic
// graphs and executes them with bounded parallelism and fail-fast
// cancellation.
//
// A graph is built once from configuration and validated before anything
// runs. Stages exchange values through named ports: artifacts travel as file
// paths, lists as []string or []bool, scalars as float64 or int, flags as bool.
package workflow

import (
	"fmt"
)

// PortType is the semantic type carried by a port
type PortType int

const (
	// Any is compatible with every other type
	Any PortType = iota
	Volume
	Series
	Transform
	TransformSet
	TransformList
	Table
	Scalar
	Flag
	List
)

var portTypeNames = map[PortType]string{
	Any:           "any",
	Volume:        "volume",
	Series:        "series",
	Transform:     "transform",
	TransformSet:  "transform-set",
	TransformList: "transform-list",
	Table:         "table",
	Scalar:        "scalar",
	Flag:          "flag",
	List:          "list",
}

func (t PortType) String() string {
	if name, ok := portTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PortType(%d)", int(t))
}

// Compatible reports whether a value of type t may flow into a port of type o.
func (t PortType) Compatible(o PortType) bool {
	return t == Any || o == Any || t == o
}

// Port is a named, typed endpoint on a node
type Port struct {
	Name     string
	Type     PortType
	Optional bool
}

// In declares a mandatory port.
func In(name string, typ PortType) Port {
	return Port{Name: name, Type: typ}
}

// Opt declares an optional port.
func Opt(name string, typ PortType) Port {
	return Port{Name: name, Type: typ, Optional: true}
}

func findPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Values maps port names to the values bound to them
type Values map[string]any

// Path returns the file path bound to name, or "" if absent.
func (v Values) Path(name string) string {
	s, _ := v[name].(string)
	return s
}

// Strings returns the string list bound to name.
func (v Values) Strings(name string) []string {
	s, _ := v[name].([]string)
	return s
}

// Bools returns the flag list bound to name.
func (v Values) Bools(name string) []bool {
	b, _ := v[name].([]bool)
	return b
}

// Float returns the scalar bound to name, accepting any numeric kind.
func (v Values) Float(name string) float64 {
	switch x := v[name].(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return 0
}

// Int returns the scalar bound to name as an int.
func (v Values) Int(name string) int {
	switch x := v[name].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return 0
}

// Bool returns the flag bound to name.
func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

// Has reports whether a value is bound to name.
func (v Values) Has(name string) bool {
	_, ok := v[name]
	return ok
}
