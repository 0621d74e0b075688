// Package hunt locates structures of interest within memory and flash
// dumps: console command dispatch tables, environment variable storage,
// and flattened device tree blobs.
//
// A shared driver owns the scan-loop mechanics (window bounds, advancing
// past matches, cancellation); each matcher contributes only a probe that
// judges one candidate offset. Matches report both the 0-based buffer
// offset and the absolute target address, so results can be fed directly
// into payload construction against a live device.
package hunt
