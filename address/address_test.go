package address

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialInfoParseFormatIdentity(t *testing.T) {
	cases := []DialInfo{
		{Protocol: ProtocolUDP, Address: net.ParseIP("203.0.113.5"), Port: 5150},
		{Protocol: ProtocolTCP, Address: net.ParseIP("203.0.113.5"), Port: 5150},
		{Protocol: ProtocolWS, Address: net.ParseIP("203.0.113.5"), Port: 80},
		{Protocol: ProtocolWSS, Address: net.ParseIP("203.0.113.5"), Port: 443},
	}
	for _, di := range cases {
		s := di.String()
		parsed, err := ParseDialInfo(s)
		require.NoError(t, err, s)
		require.Equal(t, di.Protocol, parsed.Protocol)
		require.Equal(t, di.Port, parsed.Port)
		require.True(t, di.Address.Equal(parsed.Address))
	}
}

func TestDialInfoClassOrdering(t *testing.T) {
	require.True(t, DialInfoClassDirect.MorePermissiveThan(DialInfoClassMapped))
	require.True(t, DialInfoClassMapped.MorePermissiveThan(DialInfoClassFullConeNAT))
	require.False(t, DialInfoClassBlocked.MorePermissiveThan(DialInfoClassDirect))
}

func TestNetworkClassString(t *testing.T) {
	require.Equal(t, "InboundCapable", NetworkClassInboundCapable.String())
	require.Equal(t, "Invalid", NetworkClassInvalid.String())
}
