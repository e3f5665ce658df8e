// Package registry is the authoritative source of agent existence and
// lifecycle state. Every agent maps to at most one root asset on the
// programmable-ownership ledger; transitions follow an explicit state
// machine enforced with compare-and-swap updates, and stop requests are
// broadcast so in-flight workflows can abort at the next step boundary.
package registry
