package feed

import (
	"time"

	"github.com/zacdoteth/clawdrip/internal/drops"
)

type Kind string

const (
	KindSnapshot Kind = "supply.snapshot"
	KindSoldOut  Kind = "supply.sold_out"
	KindVelocity Kind = "supply.velocity_alert"
)

type Event struct {
	Kind     Kind         `json:"type"`
	DropID   string       `json:"drop_id"`
	Supply   drops.Supply `json:"supply"`
	Velocity *Velocity    `json:"velocity,omitempty"`
	// Initial marks the synthesized snapshot a subscriber receives on join.
	Initial bool `json:"initial,omitempty"`
}

type Velocity struct {
	Sales     int           `json:"sales"`
	Threshold int           `json:"threshold"`
	Window    time.Duration `json:"window"`
	At        time.Time     `json:"at"`
}
