package protocol

// This package implements parsing and serialising of the MSNP command
// dialect that the notification server speaks with its clients.
//
// The protocol is line oriented and human readable. Transcripts captured
// from period clients read like
//
//   ```
//     VER 1 MSNP12 MSNP11 MSNP8\r\n
//     VER 1 MSNP8\r\n
//   ```
//
// - `Command` - a single parsed line: verb, optional transaction id,
//               positional arguments, optional binary payload.
// - `Verb`    - the three-letter command name (`VER`, `USR`, `MSG`, ...).
// - `Code`    - a numeric error reply (`911 <trid>`).
//
// === General syntax
//
// - lines are `\r\n` delimited
// - a line is `VERB [TRID] arg1 arg2 ...`
// - verbs are case sensitive, always uppercase
// - TRID is a decimal transaction id assigned by the client and echoed in
//   the synchronous reply so the client can correlate request and response.
//   Asynchronous server events (presence changes, relayed messages, ring
//   notifications) carry no TRID.
//
// === Payloads
//
// MSG declares a payload length as its final header argument and the
// payload bytes follow the header line verbatim:
//
//   ```
//     MSG 7 bob@example.com 5\r\n
//     hello
//   ```
//
// The payload is opaque to this package; it is read byte-exact and never
// re-encoded.
//
// === Error replies
//
//   ```
//     USR 4 MD5 S deadbeef\r\n
//     911 4\r\n
//   ```
//
// Numeric reply codes follow the historical MSNP assignments (200 syntax
// error, 217 principal not on-line, 911 authentication failed, ...).
//
// This package is purely syntactic. Whether a verb is known, or legal in
// the connection's current state, is decided by the engine package.
