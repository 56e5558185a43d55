// Package txn is the transaction engine: it applies operations to a base
// snapshot, publishes the successor manifest with the store's conditional
// put (or an external commit handler), and arbitrates concurrent writers
// through a total conflict classification over operation kinds.
//
// Writers never take locks. A losing writer reloads the new head, checks
// every interleaved commit against the conflict table, and either rebases
// its operation onto the new head or fails with a permanent
// concurrent-modification error. Retries are bounded; exhausting the budget
// surfaces a distinct error so callers can apply their own backoff.
package txn
