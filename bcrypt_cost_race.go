//go:build race

package auth

import "golang.org/x/crypto/bcrypt"

// race builds are slow enough without the production work factor
func passwordHashCost() int {
	return bcrypt.DefaultCost
}
