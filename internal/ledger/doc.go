// Package ledger turns fetched candidates into the stored event ledger and
// its derived gaps.
//
// Every write is keyed (events by external id, gaps by end event id) and
// idempotent, so overlapping or repeated runs never duplicate state and no
// cross-run lock is needed. A crash between an event insert and its gap
// insert is repaired by the next RepairGaps walk.
package ledger
