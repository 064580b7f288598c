package settlement

import (
	"strings"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
)

// Network describes one supported chain: its id, the token contracts
// accepted on it, and how deep a transfer must be buried before it counts.
type Network struct {
	Name             string
	ChainID          int64
	Tokens           map[string]string
	MinConfirmations int
}

// Well-known networks. Token addresses are the canonical USDC deployments.
var networks = map[string]Network{
	"base": {
		Name:    "base",
		ChainID: 8453,
		Tokens: map[string]string{
			"USDC": "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		},
		MinConfirmations: 3,
	},
	"base-sepolia": {
		Name:    "base-sepolia",
		ChainID: 84532,
		Tokens: map[string]string{
			"USDC": "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
		},
		MinConfirmations: 1,
	},
	"sepolia": {
		Name:    "sepolia",
		ChainID: 11155111,
		Tokens: map[string]string{
			"USDC": "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238",
		},
		MinConfirmations: 1,
	},
}

// LookupNetwork resolves a network by name with code 3006 on miss.
func LookupNetwork(name string) (Network, error) {
	n, ok := networks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Network{}, apexerr.Newf(apexerr.CodeUnsupportedRail, "unsupported network %q", name)
	}
	return n, nil
}

// TokenAddress resolves the contract accepted for a currency on the network
// with code 3008 on miss.
func (n Network) TokenAddress(currency string) (string, error) {
	addr, ok := n.Tokens[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		return "", apexerr.Newf(apexerr.CodeUnsupportedCurrency,
			"currency %q not accepted on network %s", currency, n.Name)
	}
	return addr, nil
}
