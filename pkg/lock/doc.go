/*
Package lock hands out leased advisory locks with fencing tokens.

Leases live in the status store and are TTL-bound; holders renew at a
third of the TTL and any process may reap a lease expired past
TTL+grace or held by a terminal migration. Every acquisition, including
reacquisition of a reaped resource, bumps the resource's fencing token,
and the store rejects progress writes carrying an older token. That is
what makes reaping safe: a zombie holder keeps running but its writes
no longer land.

Acquisition is all-or-none over the requested resource set and
non-blocking; contended resources fail with ErrLockBusy and the caller
owns the retry policy.
*/
package lock
