// Package scheduler owns triggers: it turns cron, interval and date specs into
// firings and hands each firing to a callback. Execution, overlap gating and
// misfire handling belong to the engine.
package scheduler
