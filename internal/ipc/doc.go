// Package ipc implements the signed, directory-based message channels
// between the orchestrator and its sandboxes.
//
// A channel is a directory with three subdirectories:
//
//	<root>/<channel>/pending/     messages waiting to be consumed
//	<root>/<channel>/processed/   one hard link per consumed message, named by fingerprint
//	<root>/<channel>/quarantine/  rejected messages, never interpreted
//
// Each message is one CBOR file holding a header, the payload and an
// HMAC-SHA256 signature over the payload bytes. Keys are derived per
// channel from a master key that only ever lives in process environments.
//
// Publishing writes a temp file, syncs it and renames it into pending/, so
// readers never see partial files. File names sort in creation order.
//
// Consuming verifies the signature in constant time. Anything unsigned,
// mis-signed, undecodable or addressed to another channel is moved to
// quarantine/ and the consumer moves on. A valid message is committed by
// hard-linking it into processed/<fingerprint> and then removing it from
// pending/. If the link already exists the message was consumed before a
// restart and is dropped, so a message is delivered at most once per
// fingerprint across watcher restarts.
package ipc
