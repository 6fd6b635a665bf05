// Package rand generates readable random names for client identifiers.
package rand

import (
	"math/rand/v2"
)

var adjectives = []string{
	"agile", "brave", "calm", "daring", "eager", "fancy", "gentle", "happy",
	"jolly", "kind", "lively", "mighty", "noble", "playful", "quick", "radiant",
	"sturdy", "trusty", "upbeat", "vibrant", "wise", "zesty",
}

var birds = []string{
	"albatross", "bluebird", "canary", "dove", "eagle", "falcon", "goldfinch", "hawk",
	"ibis", "jay", "kestrel", "lark", "magpie", "nuthatch", "oriole", "parrot",
	"quail", "robin", "sparrow", "tern", "wren",
}

// NewName returns prefix-adjective-bird, e.g. quarry-calm-heron. An empty prefix is omitted.
func NewName(prefix string) string {
	name := adjectives[rand.IntN(len(adjectives))] + "-" + birds[rand.IntN(len(birds))]
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}
