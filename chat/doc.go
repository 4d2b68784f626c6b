// Package chat is the relay's connection layer. A Manager owns one Session per
// configured server; each Session supervises a transport (generic IRC or Twitch),
// retries with exponential backoff, and sends normalized Events on a single
// channel consumed by the pipeline. Classify turns an Event into a record.
//
// Events from one session are sent in the order they were received. Operator
// actions (disconnect, remove) always win over an in-flight retry.
package chat
