package drops

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// expired -> pending is the one-time grace extension.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusExpired: true, StatusCancelled: true, StatusPending: true},
	StatusExpired:   {StatusPending: true},
	StatusConfirmed: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}
