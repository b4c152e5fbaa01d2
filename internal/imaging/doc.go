// Package imaging streams an OS image onto one or more destinations.
//
// Write reads the source once, in fixed-size chunks, and fans every chunk
// out to all destinations that are still healthy. A destination that
// fails is reported through Options.OnFail and dropped; the others keep
// going. Only when every destination has failed does Write itself fail.
//
// With Options.Verify set, each surviving destination is read back and
// its xxhash64 digest compared with the digest of the source stream.
//
// Progress is reported per chunk for both passes:
//
//	flashing:  position counts source bytes written
//	verifying: position counts bytes read back, averaged over destinations
//
// Positions never decrease within a pass.
//
// Sources may be raw images, gzip streams or zip archives (the first
// regular file in the archive is used). Open and OpenStream sniff the
// leading bytes to choose.
package imaging
