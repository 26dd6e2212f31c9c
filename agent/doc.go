// Package agent manages per-session agent instances: a Manager that creates
// at most one agent per session key (even under concurrent first requests),
// tracks activity for idle expiry, and reports aggregate health; plus
// ModelAgent, the default language-model backed implementation of core.Agent.
package agent
