/*
Vaultmail - Encrypted multi-user mail and calendar store.
Copyright © 2024 Vaultmail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package auth defines the login provider contract (§6): the only authority
// for mapping display names and email addresses to storage identities. The
// engine is written against this interface; internal/auth/static is the one
// concrete implementation shipped here, with LDAP or similar left as an
// external collaborator satisfying the same contract.
package auth

import (
	"context"
	"errors"

	"golang.org/x/text/secure/precis"

	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/storage"
)

// ErrUnknownCredentials is returned by Provider.Login when the username or
// password does not match a registered account. It is deliberately generic:
// a missing account and a wrong password must look identical to the caller.
var ErrUnknownCredentials = errors.New("auth: unknown credentials")

// ErrUnknownRecipient is returned by Provider.PublicLogin when email does
// not resolve to a registered account.
var ErrUnknownRecipient = errors.New("auth: unknown recipient")

// Credentials bundles what a successful Login yields: the storage binding
// this user's data lives under, and the password used to open it (the
// caller still has to run it through internal/cryptoroot to reach the
// unsealed key material — Provider never holds key bytes itself).
type Credentials struct {
	UserID   ident.UID24
	Storage  storage.Storage
	Password string
}

// PublicRecipient is what PublicLogin yields: enough for an unauthenticated
// sender to deliver a message, and nothing else (§4.8: "without disclosing
// private material").
type PublicRecipient struct {
	UserID    ident.UID24
	Storage   storage.Storage
	PublicKey [32]byte
}

// Provider is the login authority every front-end is written against.
type Provider interface {
	// Login authenticates username/password and returns the storage binding
	// to open it under. Implementations must return ErrUnknownCredentials
	// for both a missing account and a wrong password.
	Login(ctx context.Context, username, password string) (Credentials, error)

	// PublicLogin resolves email to the storage binding and published
	// public key an unauthenticated sender needs to deliver mail (§4.8).
	PublicLogin(ctx context.Context, email string) (PublicRecipient, error)
}

// NormalizeUsername folds a display name to the PRECIS UsernameCaseMapped
// comparison key used as the canonical account identity throughout the
// provider (case folding, width mapping — not a security boundary on its
// own, just a stable lookup key).
func NormalizeUsername(username string) (string, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", err
	}
	return key, nil
}
