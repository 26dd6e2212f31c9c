// Package core defines the shared vocabulary of the relay: events, content
// parts, runner sessions and the capability interfaces (Runner, Agent, stores,
// factories) that the coordination layer depends on. Higher level packages
// (runner, agent, coordinator, approval) compose these primitives; external
// frameworks plug in by satisfying the interfaces, the relay never inspects
// their internals.
package core
