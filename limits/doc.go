// Package limits provides centralized size limits for the sealchat protocol.
// This ensures consistent validation across different components of the system.
package limits
