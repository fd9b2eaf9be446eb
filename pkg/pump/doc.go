/*
Package pump streams collection batches with an adaptive batch size.

The controller is AIMD-shaped but multiplicative both ways: sustained
batch latency above the high watermark, or a degraded health probe,
halves the batch size; latency under the low watermark grows it by half
again. Sizes are clamped to the configured bounds and adjusted only
every AdjustEvery observations to keep the controller from chasing
noise.

A per-store-class Limiter (a weighted semaphore) bounds how many
batches are in flight across all concurrently running steps of that
class, so shard parallelism cannot multiply into unbounded load on one
backing store.
*/
package pump
