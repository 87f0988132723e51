package backend

import (
	"context"
	"testing"

	"beegate/account"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullBackend struct{}

func (nullBackend) Name() string                     { return "null" }
func (nullBackend) Login(context.Context) error      { return nil }
func (nullBackend) Logout() error                    { return nil }
func (nullBackend) SendMessage(string, string) error { return nil }
func (nullBackend) AddContact(string, string) error  { return nil }
func (nullBackend) RemoveContact(string) error       { return nil }
func (nullBackend) ContactKnown(string) bool         { return false }

func TestRegistry(t *testing.T) {
	Register("null-test", func(*account.Account, Env) (account.Backend, error) {
		return nullBackend{}, nil
	})

	assert.True(t, Known("null-test"))
	assert.Contains(t, Protocols(), "null-test")

	be, err := New("null-test", account.New("n", "null-test", "me", "", ""), Env{})
	require.NoError(t, err)
	assert.Equal(t, "null", be.Name())

	_, err = New("carrier-pigeon", nil, Env{})
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	assert.Panics(t, func() {
		Register("null-test", func(*account.Account, Env) (account.Backend, error) { return nil, nil })
	})
}
