// Package storage persists the database-backed job queue.
//
// Rows are {id, status, channel, data, mtime}. A NULL status means the row
// is visible to consumers; "hidden" means a consumer claimed it. Claims are
// optimistic: the conditional update only succeeds for one caller.
package storage
