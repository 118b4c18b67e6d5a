package types

// Version is the canonical project version.
// The CLI and the worker protocol share this version.
const Version = "0.3.0"

// ProtocolVersion is the worker stdio protocol version advertised in init
// frames. It moves in lockstep with Version.
const ProtocolVersion = Version
