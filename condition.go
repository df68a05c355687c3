/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

// Condition caps admissions to Requests per sliding Window.
// A condition with Requests == 0 and Window > 0 denies every admission ("block all").
type Condition struct {
	Requests int
	Window   time.Duration
}

// String returns a human-readable representation of the condition, e.g. "2/3s".
// Implements fmt.Stringer interface.
func (c Condition) String() string {
	return fmt.Sprintf("%d/%s", c.Requests, c.Window)
}

func (c Condition) validate() error {
	if c.Requests < 0 {
		return fmt.Errorf("%w: negative number of requests (%d)", ErrInvalidCondition, c.Requests)
	}
	if c.Window < 0 {
		return fmt.Errorf("%w: negative time period (%s)", ErrInvalidCondition, c.Window)
	}
	return nil
}

// Conditions is an ordered set of conditions sorted ascending by Requests.
// Ties keep their insertion order.
type Conditions []Condition

func (cs Conditions) sort() {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].Requests < cs[j].Requests
	})
}

// MaxWindow returns the largest window over all conditions.
// It is used as the default manual block duration and as the TTL of history logs.
func (cs Conditions) MaxWindow() time.Duration {
	var maxWindow time.Duration
	for _, c := range cs {
		if c.Window > maxWindow {
			maxWindow = c.Window
		}
	}
	return maxWindow
}

func (cs Conditions) maxRequests() int {
	var maxRequests int
	for _, c := range cs {
		if c.Requests > maxRequests {
			maxRequests = c.Requests
		}
	}
	return maxRequests
}

// DurationComponents is a structured duration split into days, hours, minutes and
// seconds. It exists for callers and configs that express windows and block durations
// as separate components; the components are summed once at the boundary.
type DurationComponents struct {
	Days    int `mapstructure:"days" yaml:"days" json:"days"`
	Hours   int `mapstructure:"hours" yaml:"hours" json:"hours"`
	Minutes int `mapstructure:"minutes" yaml:"minutes" json:"minutes"`
	Seconds int `mapstructure:"seconds" yaml:"seconds" json:"seconds"`
}

// Duration returns the total duration represented by the components.
func (dc DurationComponents) Duration() time.Duration {
	return time.Duration(dc.Seconds)*time.Second +
		time.Duration(dc.Minutes)*time.Minute +
		time.Duration(dc.Hours)*time.Hour +
		time.Duration(dc.Days)*24*time.Hour
}
