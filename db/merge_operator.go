// merge_operator.go implements the merge operator contract.
//
// MergeOperator allows callers to define custom merge semantics for
// atomic read-modify-write operations like counters and append-only lists.
// Merge operands are resolved at read time in this implementation; there
// is no compaction-time reduction of operand chains.
//
// Reference: RocksDB v10.7.5 include/rocksdb/merge_operator.h
package db

import (
	"bytes"

	"github.com/aalhour/rockyardkv/internal/encoding"
)

// MergeOperator is the interface for user-defined merge operations.
//
// A MergeOperator specifies the semantics of a merge operation, which only
// the client knows: numeric addition, list append, string concatenation,
// or any custom operation.
type MergeOperator interface {
	// Name returns a unique identifier for this merge operator.
	Name() string

	// FullMerge resolves existingValue plus operands (oldest first) into a
	// final value. ok is false if the merge could not be completed.
	FullMerge(key []byte, existingValue []byte, operands [][]byte) (newValue []byte, ok bool)

	// PartialMerge combines two operands into a single operand without
	// access to the base value. Returning (nil, false) is always valid;
	// the operands are then kept separate until FullMerge.
	PartialMerge(key []byte, leftOperand, rightOperand []byte) (newOperand []byte, ok bool)
}

// AssociativeMergeOperator is a simplified interface for operations where
// Merge(Merge(a, b), c) == Merge(a, Merge(b, c)), e.g. numeric addition,
// string concatenation, or set union.
type AssociativeMergeOperator interface {
	Name() string

	// Merge combines value into existingValue. A nil existingValue is the
	// identity element.
	Merge(key []byte, existingValue, value []byte) ([]byte, bool)
}

// AssociativeMergeOperatorAdapter wraps an AssociativeMergeOperator so it
// satisfies MergeOperator by folding Merge over the operand list.
type AssociativeMergeOperatorAdapter struct {
	Op AssociativeMergeOperator
}

func (a *AssociativeMergeOperatorAdapter) Name() string { return a.Op.Name() }

func (a *AssociativeMergeOperatorAdapter) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	result := existingValue
	for _, op := range operands {
		var ok bool
		result, ok = a.Op.Merge(key, result, op)
		if !ok {
			return nil, false
		}
	}
	return result, true
}

func (a *AssociativeMergeOperatorAdapter) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	return a.Op.Merge(key, left, right)
}

// UInt64AddOperator treats values as little-endian uint64 and adds them.
type UInt64AddOperator struct{}

func (o *UInt64AddOperator) Name() string { return "UInt64AddOperator" }

func (o *UInt64AddOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	var result uint64
	if existingValue != nil {
		if len(existingValue) != 8 {
			return nil, false
		}
		result = encoding.DecodeFixed64(existingValue)
	}
	for _, op := range operands {
		if len(op) != 8 {
			return nil, false
		}
		result += encoding.DecodeFixed64(op)
	}
	return encoding.AppendFixed64(nil, result), true
}

func (o *UInt64AddOperator) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	if len(left) != 8 || len(right) != 8 {
		return nil, false
	}
	sum := encoding.DecodeFixed64(left) + encoding.DecodeFixed64(right)
	return encoding.AppendFixed64(nil, sum), true
}

// StringAppendOperator concatenates operands with a delimiter.
type StringAppendOperator struct {
	Delimiter string
}

func (o *StringAppendOperator) Name() string { return "StringAppendOperator" }

func (o *StringAppendOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	var result []byte
	if existingValue != nil {
		result = append(result, existingValue...)
	}
	for _, op := range operands {
		if len(result) > 0 && len(op) > 0 {
			result = append(result, o.Delimiter...)
		}
		result = append(result, op...)
	}
	return result, true
}

func (o *StringAppendOperator) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	if len(left) == 0 {
		return right, true
	}
	if len(right) == 0 {
		return left, true
	}
	result := make([]byte, 0, len(left)+len(o.Delimiter)+len(right))
	result = append(result, left...)
	result = append(result, o.Delimiter...)
	result = append(result, right...)
	return result, true
}

// MaxOperator keeps the lexicographically greatest value.
type MaxOperator struct{}

func (o *MaxOperator) Name() string { return "MaxOperator" }

func (o *MaxOperator) FullMerge(key []byte, existingValue []byte, operands [][]byte) ([]byte, bool) {
	var maxVal []byte
	if existingValue != nil {
		maxVal = append(maxVal, existingValue...)
	}
	for _, op := range operands {
		if maxVal == nil || bytes.Compare(op, maxVal) > 0 {
			maxVal = append([]byte(nil), op...)
		}
	}
	return maxVal, true
}

func (o *MaxOperator) PartialMerge(key []byte, left, right []byte) ([]byte, bool) {
	if bytes.Compare(left, right) >= 0 {
		return append([]byte(nil), left...), true
	}
	return append([]byte(nil), right...), true
}
