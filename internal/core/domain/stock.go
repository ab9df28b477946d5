package domain

import "fmt"

// Sizes offered by the catalog. Stock rows only exist for these.
const (
	MinSize = 35
	MaxSize = 45
)

func ValidSize(size int) bool {
	return size >= MinSize && size <= MaxSize
}

// StockKey identifies one stock row.
type StockKey struct {
	ProductID string
	Size      int
}

func (k StockKey) String() string {
	return fmt.Sprintf("%s:%d", k.ProductID, k.Size)
}

// StockRecord is a point-in-time view of one stock row.
type StockRecord struct {
	ProductID string
	Size      int
	Quantity  int
}

// DecrementResult reports the outcome of a conditional decrement. Remaining is
// the quantity observed by the decrement itself, not a fresh read.
type DecrementResult struct {
	Success   bool
	Remaining int
}
