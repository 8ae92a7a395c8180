package manifest

import (
	"fmt"
	"strings"
)

// MethodName is a parsed "Ns.Type::Method" reference. Nested types are
// written "Ns.Outer+Inner::Method".
type MethodName struct {
	Namespace string
	Type      string
	Nested    []string
	Method    string
}

// ParseMethodName splits a qualified method name.
// "Game.Program::Main" -> {Game, Program, nil, Main}
func ParseMethodName(s string) (MethodName, error) {
	typeName, method, ok := strings.Cut(s, "::")
	if !ok || method == "" || typeName == "" {
		return MethodName{}, fmt.Errorf("method %q: want Ns.Type::Name", s)
	}
	special := method == ".ctor" || method == ".cctor"
	if !special && strings.ContainsAny(method, ":. +") {
		return MethodName{}, fmt.Errorf("method %q: bad method name %q", s, method)
	}
	parts := strings.Split(typeName, "+")
	for _, p := range parts {
		if p == "" {
			return MethodName{}, fmt.Errorf("method %q: empty type name", s)
		}
	}
	var n MethodName
	n.Type = parts[0]
	if i := strings.LastIndexByte(n.Type, '.'); i >= 0 {
		n.Namespace, n.Type = n.Type[:i], n.Type[i+1:]
		if n.Type == "" || n.Namespace == "" {
			return MethodName{}, fmt.Errorf("method %q: bad type name %q", s, typeName)
		}
	}
	n.Nested = parts[1:]
	n.Method = method
	return n, nil
}

// TypeName returns the type part, "Ns.Outer+Inner".
func (n MethodName) TypeName() string {
	s := n.Type
	if n.Namespace != "" {
		s = n.Namespace + "." + s
	}
	for _, p := range n.Nested {
		s += "+" + p
	}
	return s
}

func (n MethodName) String() string {
	return n.TypeName() + "::" + n.Method
}

// corlibNames lists the assembly names served by the built-in core library.
var corlibNames = map[string]bool{
	"mscorlib":               true,
	"system.runtime":         true,
	"system.private.corelib": true,
	"netstandard":            true,
}

// IsCorlibAssembly reports whether name refers to the built-in core
// library. Such assemblies are never probed on disk.
func IsCorlibAssembly(name string) bool {
	name = strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(name), ".dll"), ".exe")
	return corlibNames[name]
}
