// Package memory provides the process-local core.MemoryStore used as the
// shared backing service referenced by runner contexts and as the optional
// durable archive for cleared chat session history.
package memory
