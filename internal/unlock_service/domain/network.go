package domain

import "net/netip"

// NetworkType classifies the network an inbound connection originates from.
// Classification fails closed: an IP outside every configured range is
// UNKNOWN, never WIFI. WIFI is reserved for ranges explicitly configured as
// known non-mobile broadband, so billing eligibility is never inferred from
// the absence of a match.
type NetworkType string

const (
	NetworkTypeMobile  NetworkType = "MOBILE"
	NetworkTypeWifi    NetworkType = "WIFI"
	NetworkTypeUnknown NetworkType = "UNKNOWN"
)

// CarrierInfo identifies the mobile operator a classified IP belongs to.
type CarrierInfo struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Country string `json:"country"`
}

// CarrierRange maps one CIDR block to a carrier. Ranges are loaded once at
// startup and never mutated afterwards.
type CarrierRange struct {
	CIDR    netip.Prefix
	Carrier CarrierInfo
}

// Classification is the result of classifying a client IP.
type Classification struct {
	NetworkType NetworkType  `json:"network_type"`
	Carrier     *CarrierInfo `json:"carrier,omitempty"`
}
