package electrum

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	m, err := decodeMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":{"confirmed":1}}`))
	require.NoError(t, err)
	assert.Equal(t, kindResponse, m.kind)
	assert.Equal(t, uint64(7), m.id)
	assert.JSONEq(t, `{"confirmed":1}`, string(m.result))

	m, err = decodeMessage([]byte(`{"id":8,"error":{"code":-1,"message":"nope"}}`))
	require.NoError(t, err)
	require.NotNil(t, m.err)
	assert.Equal(t, "nope", m.err.Message)

	m, err = decodeMessage([]byte(`{"method":"blockchain.scripthash.subscribe","params":["aa","bb"]}`))
	require.NoError(t, err)
	assert.Equal(t, kindNotification, m.kind)
	assert.Len(t, m.params, 2)

	for _, bad := range []string{"", "not json", `{"foo":1}`, `{"method":"x","params":{"a":1}}`} {
		_, err := decodeMessage([]byte(bad))
		var me *MalformedResponseError
		assert.True(t, errors.As(err, &me), "input %q", bad)
	}
}

func TestServerErrorHint(t *testing.T) {
	tests := []struct {
		msg      string
		wantHint bool
	}{
		{"258: txn-mempool-conflict", true},
		{"66: insufficient priority", true},
		{"the transaction was rejected by network rules.\n\nMissing inputs", true},
		{"64: dust", true},
		{"64: non-final", true},
		{"history too large", true},
		{"something else entirely", false},
	}
	for _, tt := range tests {
		e := &ServerError{Code: 1, Message: tt.msg}
		assert.Equal(t, tt.wantHint, e.Hint() != "", tt.msg)
		assert.Contains(t, e.Error(), tt.msg)
	}
	assert.True(t, (&ServerError{Message: "History too large"}).HistoryTooLarge())
}

func TestScriptHash_GenesisAddress(t *testing.T) {
	// Example from the Electrum protocol documentation.
	got, err := AddressScriptHash("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", &chaincfg.MainNetParams)
	require.NoError(t, err)
	assert.Equal(t, "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161", got)

	_, err = AddressScriptHash("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", &chaincfg.TestNet3Params)
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in        string
		host      string
		port      string
		transport Transport
	}{
		{"/ip4/127.0.0.1/tcp/50001", "127.0.0.1", "50001", TransportTCP},
		{"/dns4/electrum.example.org/tcp/50002/tls", "electrum.example.org", "50002", TransportTLS},
		{"/dns/electrum.example.org/tcp/50003/ws", "electrum.example.org", "50003", TransportWS},
		{"/dns4/electrum.example.org/tcp/50004/wss", "electrum.example.org", "50004", TransportWSS},
		{"/dns4/electrum.example.org/tcp/443/tls/ws", "electrum.example.org", "443", TransportWSS},
		{"/ip6/::1/tcp/50001", "::1", "50001", TransportTCP},
	}
	for _, tt := range tests {
		ep, err := ParseEndpoint(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, ep.Host, tt.in)
		assert.Equal(t, tt.port, ep.Port, tt.in)
		assert.Equal(t, tt.transport, ep.Transport, tt.in)
	}
	assert.Equal(t, "[::1]:50001", mustEndpoint(t, "/ip6/::1/tcp/50001").HostPort())
	assert.Equal(t, "wss://electrum.example.org:50004/", mustEndpoint(t, "/dns4/electrum.example.org/tcp/50004/wss").URL())

	for _, bad := range []string{"electrum.example.org:50002", "/ip4/127.0.0.1/udp/1", "/tcp/50001"} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}

func mustEndpoint(t *testing.T, s string) Endpoint {
	t.Helper()
	ep, err := ParseEndpoint(s)
	require.NoError(t, err)
	return ep
}
