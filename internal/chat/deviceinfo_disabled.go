//go:build !deviceinfo

package chat

// deviceInfoEnabled gates the uploadDeviceInfo command; standard builds
// reject it like any other unknown command.
const deviceInfoEnabled = false
