package drops

// Mutation computes the next counter state of a drop. Ledgers apply it with
// a compare-and-set on Version and re-run it on conflict.
type Mutation func(Drop) (Drop, error)

// Reserve moves one unit from available to reserved.
func Reserve(d Drop) (Drop, error) {
	if d.Remaining() <= 0 {
		return d, ErrInsufficientSupply
	}
	d.ReservedCount++
	d.Version++
	return d, nil
}

// Commit moves one unit from reserved to sold.
func Commit(d Drop) (Drop, error) {
	if d.ReservedCount <= 0 {
		return d, ErrLedgerUnderflow
	}
	d.ReservedCount--
	d.SoldCount++
	d.Version++
	return d, nil
}

// Release returns one reserved unit to available.
func Release(d Drop) (Drop, error) {
	if d.ReservedCount <= 0 {
		return d, ErrLedgerUnderflow
	}
	d.ReservedCount--
	d.Version++
	return d, nil
}

func ValidateDrop(d Drop) error {
	switch {
	case d.TotalSupply <= 0:
		return ErrInvalidInput
	case d.PriceCents < 0:
		return ErrInvalidInput
	case d.ReservedCount < 0 || d.SoldCount < 0:
		return ErrInvalidInput
	case d.ReservedCount+d.SoldCount > d.TotalSupply:
		return ErrInvalidInput
	}
	return nil
}
