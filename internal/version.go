package internal

// Version is the current version of the driver.
var Version = "0.3.0"

// DriverName is the name reported to the server in the handshake metadata.
const DriverName = "mongokitten"
