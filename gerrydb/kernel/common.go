// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// Package kernel implements the GerryDB data-model kernel: the versioned,
// namespaced object graph, bitemporal storage of geographies and column
// values, view composition, and bulk export planning.
package kernel

import (
	"fmt"
	"strings"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error for the kernel.
	Error = errs.Class("kernel")
	// ErrNotFound is used for missing resources and for resources hidden by
	// authorization on private namespaces.
	ErrNotFound = errs.Class("not found")
	// ErrForbidden is used when a resource exists and its existence is not a
	// secret, but the caller lacks scope.
	ErrForbidden = errs.Class("forbidden")
	// ErrInvalidRequest is used for malformed identifiers and paths.
	ErrInvalidRequest = errs.Class("invalid request")
	// ErrCreateValue is used for domain invariant violations.
	ErrCreateValue = errs.Class("create value")
	// ErrBulkCreate is used for list-valued create failures.
	ErrBulkCreate = errs.Class("bulk create")
	// ErrBulkPatch is used for list-valued patch failures.
	ErrBulkPatch = errs.Class("bulk patch")
	// ErrColumnValueType is used for per-row value type errors.
	ErrColumnValueType = errs.Class("column value type")
	// ErrViewConflict is used for cross-namespace geometry mismatches.
	ErrViewConflict = errs.Class("view conflict")
	// ErrRender is used for bulk export failures.
	ErrRender = errs.Class("render")
)

// PathError carries the offending paths of a bulk failure.
type PathError struct {
	Reason string
	Paths  []string
}

// Error implements error.
func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Paths, ", "))
}

// TypeError describes a single bad value in a batch write.
type TypeError struct {
	Path   string
	Reason string
}

// TypeErrors is the per-row list of type errors across a batch.
type TypeErrors []TypeError

// Error implements error.
func (e TypeErrors) Error() string {
	parts := make([]string, len(e))
	for i, te := range e {
		parts[i] = fmt.Sprintf("%s: %s", te.Path, te.Reason)
	}
	return "type errors: " + strings.Join(parts, "; ")
}

// ConflictError lists the columns whose source namespaces disagree with the
// view namespace on geometry hashes.
type ConflictError struct {
	Columns []string
}

// Error implements error.
func (e *ConflictError) Error() string {
	return "geometries differ across namespaces for columns: " + strings.Join(e.Columns, ", ")
}

// ValueCountError reports a column with fewer open values than the view's
// geography count.
type ValueCountError struct {
	Column   string
	Actual   int
	Expected int
}

// Error implements error.
func (e *ValueCountError) Error() string {
	return fmt.Sprintf("column %s has values for %d of %d geographies", e.Column, e.Actual, e.Expected)
}

// ColumnKind classifies what a column measures.
type ColumnKind string

// All column kinds.
const (
	ColumnKindCount       ColumnKind = "count"
	ColumnKindPercent     ColumnKind = "percent"
	ColumnKindCategorical ColumnKind = "categorical"
	ColumnKindIdentifier  ColumnKind = "identifier"
	ColumnKindArea        ColumnKind = "area"
	ColumnKindOther       ColumnKind = "other"
)

// ValidColumnKind reports whether kind is a known column kind.
func ValidColumnKind(kind ColumnKind) bool {
	switch kind {
	case ColumnKindCount, ColumnKindPercent, ColumnKindCategorical,
		ColumnKindIdentifier, ColumnKindArea, ColumnKindOther:
		return true
	}
	return false
}

// ColumnType is a column's declared value type.
type ColumnType string

// All column types.
const (
	ColumnTypeFloat ColumnType = "float"
	ColumnTypeInt   ColumnType = "int"
	ColumnTypeBool  ColumnType = "bool"
	ColumnTypeStr   ColumnType = "str"
	ColumnTypeJSON  ColumnType = "json"
)

// ValidColumnType reports whether typ is a known column type.
func ValidColumnType(typ ColumnType) bool {
	switch typ {
	case ColumnTypeFloat, ColumnTypeInt, ColumnTypeBool, ColumnTypeStr, ColumnTypeJSON:
		return true
	}
	return false
}

// disallowedPathSubstrings are rejected anywhere in a path.
var disallowedPathSubstrings = []string{"..", ";", " ", "\t", "\n", "\r"}

// ValidatePath rejects malformed paths: empty, containing "..", whitespace,
// or ";".
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidRequest.New("empty path")
	}
	for _, sub := range disallowedPathSubstrings {
		if strings.Contains(path, sub) {
			return ErrInvalidRequest.New("path %q contains disallowed substring %q", path, sub)
		}
	}
	return nil
}

// NormalizePath lowercases a path and strips redundant slashes.
func NormalizePath(path string) string {
	return strings.ToLower(normalizeSegments(path))
}

// NormalizeGeoPath normalizes a geography path, preserving the case of the
// last segment so that GEOIDs survive round trips.
func NormalizeGeoPath(path string) string {
	path = normalizeSegments(path)
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path
	}
	return strings.ToLower(path[:i+1]) + path[i+1:]
}

func normalizeSegments(path string) string {
	segments := strings.Split(path, "/")
	kept := segments[:0]
	for _, s := range segments {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "/")
}

// ValidateSegmentCount rejects paths whose segment count is outside
// [min, max]; max < 0 means unbounded.
func ValidateSegmentCount(path string, min, max int) error {
	n := strings.Count(path, "/") + 1
	if n < min || (max >= 0 && n > max) {
		return ErrInvalidRequest.New("path %q has %d segments", path, n)
	}
	return nil
}
