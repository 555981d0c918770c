package drops

import "time"

type Drop struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	TotalSupply   int       `json:"total_supply"`
	ReservedCount int       `json:"reserved_count"`
	SoldCount     int       `json:"sold_count"`
	PriceCents    int64     `json:"price_cents"`
	Currency      string    `json:"currency"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
}

func (d Drop) Remaining() int {
	return d.TotalSupply - d.ReservedCount - d.SoldCount
}

func (d Drop) Supply(at time.Time) Supply {
	return Supply{
		DropID:    d.ID,
		Total:     d.TotalSupply,
		Reserved:  d.ReservedCount,
		Sold:      d.SoldCount,
		Remaining: d.Remaining(),
		Version:   d.Version,
		At:        at,
	}
}

// Supply is a point-in-time view of a drop's counters.
type Supply struct {
	DropID    string    `json:"drop_id"`
	Total     int       `json:"total"`
	Reserved  int       `json:"reserved"`
	Sold      int       `json:"sold"`
	Remaining int       `json:"remaining"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
}

func (s Supply) SoldOut() bool { return s.Remaining <= 0 }

type Reservation struct {
	ID                 string     `json:"id"`
	DropID             string     `json:"drop_id"`
	WalletAddress      string     `json:"wallet_address,omitempty"`
	Size               string     `json:"size"`
	PriceCents         int64      `json:"price_cents"`
	OriginalPriceCents int64      `json:"original_price_cents"`
	DiscountPercent    int        `json:"discount_percent"`
	DiscountTier       string     `json:"discount_tier"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	ExtensionUsed      bool       `json:"extension_used"`
	ProofToken         string     `json:"-"`
	FinalizedAt        *time.Time `json:"finalized_at,omitempty"`
}

// Lapsed reports whether the hold is past its expiry at now.
func (r Reservation) Lapsed(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Sale is the permanent record emitted once a hold is confirmed.
type Sale struct {
	ReservationID      string    `json:"reservation_id"`
	DropID             string    `json:"drop_id"`
	WalletAddress      string    `json:"wallet_address,omitempty"`
	Size               string    `json:"size"`
	PriceCents         int64     `json:"price_cents"`
	OriginalPriceCents int64     `json:"original_price_cents"`
	DiscountPercent    int       `json:"discount_percent"`
	DiscountTier       string    `json:"discount_tier"`
	LoyaltyEarned      int64     `json:"loyalty_earned"`
	Currency           string    `json:"currency"`
	ProofToken         string    `json:"proof_token"`
	ConfirmedAt        time.Time `json:"confirmed_at"`
}

// Guard constrains a Transition by the record's expiry at write time.
type Guard int

const (
	GuardNone Guard = iota
	// GuardLive requires now <= expires_at.
	GuardLive
	// GuardLapsed requires now > expires_at.
	GuardLapsed
)

// Transition is a compare-and-set on one reservation. It applies only when
// the stored status equals From and the guard holds.
type Transition struct {
	ID   string
	From Status
	To   Status
	Now  time.Time

	Guard Guard
	// Extend moves ExpiresAt and requires extension_used = false.
	Extend    bool
	ExpiresAt time.Time

	ProofToken string
}

func (t Transition) Finalizes() bool {
	return t.To != StatusPending
}

func (g Guard) Holds(now, expiresAt time.Time) bool {
	switch g {
	case GuardLive:
		return !now.After(expiresAt)
	case GuardLapsed:
		return now.After(expiresAt)
	default:
		return true
	}
}

// Apply checks t against r and returns the updated record, or
// ErrTransitionLost when a condition fails.
func (t Transition) Apply(r Reservation) (Reservation, error) {
	if r.Status != t.From || !CanTransition(t.From, t.To) {
		return r, ErrTransitionLost
	}
	if !t.Guard.Holds(t.Now, r.ExpiresAt) {
		return r, ErrTransitionLost
	}
	if t.Extend {
		if r.ExtensionUsed {
			return r, ErrTransitionLost
		}
		r.ExtensionUsed = true
		r.ExpiresAt = t.ExpiresAt
	}
	r.Status = t.To
	if t.ProofToken != "" {
		r.ProofToken = t.ProofToken
	}
	if t.Finalizes() {
		at := t.Now
		r.FinalizedAt = &at
	} else {
		r.FinalizedAt = nil
	}
	return r, nil
}
