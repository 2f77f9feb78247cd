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

// Package static implements auth.Provider from a fixed, in-process account
// table. Suitable for small or ephemeral deployments where a directory
// service is overkill; a compliant LDAP-backed Provider can replace it
// without any change to the engine above the interface.
package static

import (
	"context"
	"fmt"
	"sync"

	"github.com/themadorg/vaultmail/internal/auth"
	"github.com/themadorg/vaultmail/internal/cryptoroot"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/storage"
	"github.com/themadorg/vaultmail/internal/storage/memory"
)

type account struct {
	userID   ident.UID24
	password string
	email    string
	store    storage.Storage
	public   [32]byte
}

// Provider is an in-memory auth.Provider: an account table keyed by the
// PRECIS-normalized username, plus an email->username index for
// PublicLogin. Each account owns its own storage.Storage binding.
type Provider struct {
	mu       sync.Mutex
	accounts map[string]*account // normalized username -> account
	byEmail  map[string]string   // email -> normalized username
}

// New returns an empty static provider.
func New() *Provider {
	return &Provider{
		accounts: make(map[string]*account),
		byEmail:  make(map[string]string),
	}
}

// CreateAccount registers username with password and email, minting a
// fresh storage binding and crypto root for it. It is the operator-facing
// enrollment path; login traffic only ever calls Login/PublicLogin.
func (p *Provider) CreateAccount(ctx context.Context, username, password, email string) (ident.UID24, error) {
	key, err := auth.NormalizeUsername(username)
	if err != nil {
		return ident.UID24{}, fmt.Errorf("auth/static: create account: %w", err)
	}

	p.mu.Lock()
	if _, exists := p.accounts[key]; exists {
		p.mu.Unlock()
		return ident.UID24{}, fmt.Errorf("auth/static: account %s already exists", key)
	}
	p.mu.Unlock()

	st, err := memory.New()
	if err != nil {
		return ident.UID24{}, fmt.Errorf("auth/static: create account: %w", err)
	}

	keys, err := cryptoroot.New(st).Init(ctx, password)
	if err != nil {
		return ident.UID24{}, fmt.Errorf("auth/static: create account: %w", err)
	}

	userID := ident.NewUID24()
	acc := &account{
		userID:   userID,
		password: password,
		email:    email,
		store:    st,
		public:   keys.KeyPair.Public,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[key]; exists {
		return ident.UID24{}, fmt.Errorf("auth/static: account %s already exists", key)
	}
	p.accounts[key] = acc
	if email != "" {
		p.byEmail[email] = key
	}
	return userID, nil
}

// Login implements auth.Provider.
func (p *Provider) Login(_ context.Context, username, password string) (auth.Credentials, error) {
	key, err := auth.NormalizeUsername(username)
	if err != nil {
		return auth.Credentials{}, auth.ErrUnknownCredentials
	}

	p.mu.Lock()
	acc, ok := p.accounts[key]
	p.mu.Unlock()
	if !ok || acc.password != password {
		return auth.Credentials{}, auth.ErrUnknownCredentials
	}

	return auth.Credentials{
		UserID:   acc.userID,
		Storage:  acc.store,
		Password: password,
	}, nil
}

// PublicLogin implements auth.Provider.
func (p *Provider) PublicLogin(_ context.Context, email string) (auth.PublicRecipient, error) {
	p.mu.Lock()
	key, ok := p.byEmail[email]
	var acc *account
	if ok {
		acc, ok = p.accounts[key]
	}
	p.mu.Unlock()
	if !ok {
		return auth.PublicRecipient{}, auth.ErrUnknownRecipient
	}

	return auth.PublicRecipient{
		UserID:    acc.userID,
		Storage:   acc.store,
		PublicKey: acc.public,
	}, nil
}
