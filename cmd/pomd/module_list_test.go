package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModuleListPrintsEveryRegisteredProtocol(t *testing.T) {
	var out bytes.Buffer
	moduleListCmd.SetOut(&out)

	require.NoError(t, runModuleList(moduleListCmd, nil))

	printed := out.String()
	for _, name := range []string{"ethernet", "arp", "ipv4", "tcp", "udp", "sip", "rtp", "http", "tls", "ftp"} {
		require.Contains(t, printed, name)
	}
}
