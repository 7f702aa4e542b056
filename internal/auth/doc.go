// Package auth handles the two credential kinds of relay-gateway: SDK
// secrets presented by agent processes (scrypt-hashed, shown once at
// creation) and JWT access tokens identifying frontend members.
package auth
