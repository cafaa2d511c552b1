package client

import (
	"log"
	"net"
	"strings"

	"github.com/samber/lo"
)

// schemeForMethod maps a remembered transport to the URL scheme that
// selects it. TCP needs no scheme.
var schemeForMethod = map[string]string{
	"ssh":       "ssh://",
	"wss":       "wss://",
	"ws":        "ws://",
	"websocket": "ws://",
}

// ResolveConnectionMethod picks the transport for an address typed without
// a scheme, based on which method last reached it (or the same host on one
// of the relay's default ports). Without history the address is returned
// as is and dialed over plain TCP.
func ResolveConnectionMethod(address string, state StateInterface, logger *log.Logger) string {
	if state == nil || strings.Contains(address, "://") {
		return address
	}

	for _, candidate := range historyKeys(address) {
		method, err := state.GetLastSuccessfulMethod(candidate)
		if err != nil || method == "" {
			continue
		}
		if logger != nil {
			logger.Printf("Using %s for %s (last worked for %s)", method, address, candidate)
		}
		return schemeForMethod[method] + address
	}
	return address
}

// historyKeys lists the addresses history may be recorded under, most
// specific first
func historyKeys(address string) []string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, ""
	}

	keys := []string{address, host}
	for _, p := range []string{defaultTCPPort, defaultWSPort, defaultSSHPort} {
		if p != port {
			keys = append(keys, net.JoinHostPort(host, p))
		}
	}
	return lo.Uniq(keys)
}
