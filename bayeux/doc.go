// Package bayeux contains the protocol model shared by the session engine,
// the server and transports: messages, channel ids and advice constants.
//
// Nothing in this package performs I/O. Encoding a Message to JSON is
// provided for brokers and transports that need a byte form.
package bayeux
