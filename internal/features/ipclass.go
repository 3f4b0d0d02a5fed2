package features

import "net/netip"

// IPClass holds the local classification flags of an address.
type IPClass struct {
	Private  bool `json:"private"`
	Reserved bool `json:"reserved"`
	Global   bool `json:"global"`
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// Non-globally-routable ranges per the IANA special-purpose registries.
var privateRanges = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/29",
	"192.0.0.170/31",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"::/128",
	"::ffff:0:0/96",
	"100::/64",
	"2001::/23",
	"2001:db8::/32",
	"2001:10::/28",
	"fc00::/7",
	"fe80::/10",
)

var reservedRanges = mustPrefixes(
	"240.0.0.0/4",
	"::/8",
	"100::/8",
	"200::/7",
	"400::/6",
	"800::/5",
	"1000::/4",
	"4000::/3",
	"6000::/3",
	"8000::/3",
	"a000::/3",
	"c000::/3",
	"e000::/4",
	"f000::/5",
	"f800::/6",
	"fe00::/9",
)

// sharedRange is carrier-grade NAT space: neither private nor global.
var sharedRange = netip.MustParsePrefix("100.64.0.0/10")

func inAny(addr netip.Addr, ranges []netip.Prefix) bool {
	for _, p := range ranges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClassifyIP classifies ip. Unparseable input yields all flags false.
func ClassifyIP(ip string) IPClass {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return IPClass{}
	}
	addr = addr.WithZone("").Unmap()

	private := inAny(addr, privateRanges)
	return IPClass{
		Private:  private,
		Reserved: inAny(addr, reservedRanges),
		Global:   !private && !sharedRange.Contains(addr),
	}
}
