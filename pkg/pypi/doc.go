// Package pypi implements the Python packaging primitives the proxy needs:
// package name normalization, PEP 440 version parsing and ordering, version
// specifier sets, requirement parsing (including URL requirements with
// egg fragments), environment marker evaluation and wheel metadata handling.
package pypi
